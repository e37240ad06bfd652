package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/engine"
)

// inputFile is the YAML form of a manually archived record.
type inputFile struct {
	ID        string       `yaml:"id"`
	Kind      artwork.Kind `yaml:"kind"`
	Existence *bool        `yaml:"existence"`
	Meta      artwork.Meta `yaml:"meta"`
	// PageFiles are local paths, relative to the YAML file.
	PageFiles []string `yaml:"page_files"`
}

func (f inputFile) record(base string) artwork.Record {
	rec := artwork.Record{
		ID:        f.ID,
		Kind:      f.Kind,
		Existence: true,
		Meta:      f.Meta,
		PageFiles: resolvePaths(base, f.PageFiles),
	}
	if f.Existence != nil {
		rec.Existence = *f.Existence
	}
	return rec
}

// NewInputCommand creates the input command.
func NewInputCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "input <record.yaml>",
		Short: "Archive a record described in a YAML file",
		Long: `Archive one record that the sync cannot pick up on its own.

The record gets the next ordinal and is published like a new bookmark.
page_files, if given, are uploaded as they are; otherwise the files are
downloaded from the source.

Example record.yaml:
  id: "114514"
  kind: illust
  meta:
    title: Sunset
    author_name: someone
    author_id: 42
    page_count: 1
    created_at: "2024-01-02T03:04:05+09:00"
    updated_at: "2024-01-02T03:04:05+09:00"
  page_files:
    - scans/114514_p0.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			var in inputFile
			if err := decodeYAML(args[0], &in); err != nil {
				return out.Fail(ExitCommandError, ErrCodeRecord, "failed to read record file", err)
			}

			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()
			eng, err := a.engine()
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeRemote, "failed to connect to archive", err)
			}

			rec, err := eng.Input(cmd.Context(), in.record(filepath.Dir(args[0])))
			if err != nil {
				return failRecord(out, "input", err)
			}
			return out.Success(recordResult{rec})
		},
	}
}

// NewModifyCommand creates the modify command.
func NewModifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "modify <patch.yaml>",
		Short: "Change an archived record from a YAML patch",
		Long: `Change an archived record. Only the fields present in the patch are
changed; id is required. New page_files replace the uploaded files and bump
the version; other changes edit the caption in place.

Example patch.yaml:
  id: "114514"
  meta:
    title: Sunset (revised)
  existence: false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			var patch engine.Patch
			if err := decodeYAML(args[0], &patch); err != nil {
				return out.Fail(ExitCommandError, ErrCodeRecord, "failed to read patch file", err)
			}
			if patch.ID == "" {
				return out.Fail(ExitCommandError, ErrCodeRecord, "patch has no id", nil)
			}
			patch.PageFiles = resolvePaths(filepath.Dir(args[0]), patch.PageFiles)

			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()
			eng, err := a.engine()
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeRemote, "failed to connect to archive", err)
			}

			rec, err := eng.Modify(cmd.Context(), patch)
			if err != nil {
				return failRecord(out, "modify", err)
			}
			return out.Success(recordResult{rec})
		},
	}
}

type recordResult struct {
	artwork.Record
}

func (r recordResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Record %s: ordinal %d, version %d, exists %t\n", r.ID, r.Ordinal, r.Version, r.Existence)
	if r.Links.Published() {
		fmt.Fprintf(w, "  broadcast message %d, discussion message %d, %d file(s)\n",
			r.Links.Broadcast, r.Links.Discussion, len(r.Links.Companions))
	}
}

func failRecord(out *OutputFormatter, op string, err error) error {
	var fe *artwork.FieldError
	switch {
	case errors.As(err, &fe):
		return out.Fail(ExitFailure, ErrCodeRecord, fmt.Sprintf("%s rejected: %s", op, fe.Field), err)
	case errors.Is(err, engine.ErrAlreadyArchived), errors.Is(err, engine.ErrNotArchived):
		return out.Fail(ExitFailure, ErrCodeRecord, op+" rejected", err)
	case engine.IsItemError(err):
		return out.Fail(ExitFailure, ErrCodeRemote, op+" failed", err)
	default:
		return out.Fail(ExitCommandError, ErrCodeStore, op+" failed", err)
	}
}

// decodeYAML decodes path into v, rejecting unknown keys.
func decodeYAML(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func resolvePaths(base string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if !filepath.IsAbs(p) {
			if abs, err := filepath.Abs(filepath.Join(base, p)); err == nil {
				p = abs
			}
		}
		out[i] = p
	}
	return out
}
