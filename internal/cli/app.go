package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pxarchive/internal/archive"
	"github.com/roach88/pxarchive/internal/backup"
	"github.com/roach88/pxarchive/internal/config"
	"github.com/roach88/pxarchive/internal/controller"
	"github.com/roach88/pxarchive/internal/engine"
	"github.com/roach88/pxarchive/internal/media"
	"github.com/roach88/pxarchive/internal/retry"
	"github.com/roach88/pxarchive/internal/source"
	"github.com/roach88/pxarchive/internal/store"
	"github.com/roach88/pxarchive/internal/telegram"
)

// Deps overrides the remote collaborators of a command.
type Deps struct {
	Archive    archive.API
	Collection engine.Source
	Media      archive.Media
	Backup     controller.Backuper
	// Sleep replaces every pacing pause.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// app holds what a command opened. Remote clients are built on first use.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	out    *OutputFormatter
	deps   Deps

	client *source.Client
	api    archive.API
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openApp loads the configuration, installs the logger and opens the
// registry. Failures are reported through out.
func openApp(cmd *cobra.Command, opts *RootOptions, out *OutputFormatter) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	logger := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeStore, "failed to open registry", err)
	}
	logger.Debug("registry open", "dialect", st.Dialect())

	a := &app{cfg: cfg, logger: logger, store: st, out: out}
	if opts.Deps != nil {
		a.deps = *opts.Deps
	}
	if a.deps.Now == nil {
		a.deps.Now = time.Now
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing registry", "error", err)
	}
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func (a *app) sourceClient() *source.Client {
	if a.client == nil {
		sc := a.cfg.Source
		a.client = source.NewClient(source.ClientOptions{
			BaseURL:    sc.BaseURL,
			UserID:     sc.UserID,
			Cookie:     sc.Cookie,
			UserAgent:  sc.UserAgent,
			Rest:       sc.Rest,
			HTTPClient: &http.Client{Timeout: sc.Timeout},
			Retry:      a.retryPolicy(),
			Logger:     a.logger,
		})
	}
	return a.client
}

func (a *app) retryPolicy() retry.Policy {
	p := a.cfg.RetryPolicy()
	p.Sleep = a.deps.Sleep
	return p
}

func (a *app) collection() engine.Source {
	if a.deps.Collection != nil {
		return a.deps.Collection
	}
	return a.sourceClient()
}

func (a *app) media() archive.Media {
	if a.deps.Media != nil {
		return a.deps.Media
	}
	mc := a.cfg.Media
	return media.New(a.sourceClient(), media.Options{
		SaveDir:       mc.SaveDir,
		TempDir:       mc.TempDir,
		Placeholder:   mc.PlaceholderCover,
		MaxCoverDim:   mc.MaxCoverDim,
		MaxCoverBytes: mc.MaxCoverBytes,
		DownloadGap:   a.cfg.Archive.CallGap,
		Sleep:         a.deps.Sleep,
		Logger:        a.logger,
	})
}

func (a *app) archiveAPI() (archive.API, error) {
	if a.deps.Archive != nil {
		return a.deps.Archive, nil
	}
	if a.api == nil {
		ac := a.cfg.Archive
		if ac.ScratchChat == 0 {
			return nil, errors.New("archive.scratch_chat is not set")
		}
		api, err := telegram.New(telegram.Options{
			Token:    ac.BotToken,
			Endpoint: ac.APIEndpoint,
			Scratch:  archive.ChatID(ac.ScratchChat),
			Retry:    a.retryPolicy(),
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.api = api
	}
	return a.api, nil
}

func (a *app) catalog(api archive.API) *archive.Catalog {
	ac := a.cfg.Archive
	return archive.NewCatalog(api, archive.ChatID(ac.BroadcastChat), ac.CatalogMessageID,
		archive.WithBatch(ac.CatalogBatch),
		archive.WithCatalogLogger(a.logger))
}

// engine wires the sync engine to the registry, the source and the archive.
func (a *app) engine() (*engine.Engine, error) {
	api, err := a.archiveAPI()
	if err != nil {
		return nil, err
	}
	ac := a.cfg.Archive

	linkerOpts := []archive.LinkerOption{
		archive.WithProbe(ac.ProbeWindow, ac.ProbeRounds, ac.ProbeGap),
		archive.WithCallGap(ac.CallGap),
		archive.WithLinkerLogger(a.logger),
	}
	engineOpts := []engine.Option{
		engine.WithPageSize(a.cfg.Source.PageSize),
		engine.WithDriftGap(a.cfg.Sync.DriftGap),
		engine.WithNow(a.deps.Now),
		engine.WithLogger(a.logger),
	}
	if a.deps.Sleep != nil {
		linkerOpts = append(linkerOpts, archive.WithSleep(a.deps.Sleep))
		engineOpts = append(engineOpts, engine.WithSleep(a.deps.Sleep))
	}
	if cat := a.catalog(api); cat.MessageID() != 0 {
		engineOpts = append(engineOpts, engine.WithCatalog(cat))
	} else {
		a.logger.Warn("no catalog message configured; catalog updates are skipped")
	}

	linker := archive.NewLinker(api, a.media(), archive.Targets{
		Broadcast:  archive.ChatID(ac.BroadcastChat),
		Discussion: archive.ChatID(ac.DiscussionChat),
	}, linkerOpts...)
	return engine.New(a.store, a.collection(), linker, engineOpts...), nil
}

// backuper returns the snapshot uploader, or nil when backups are off.
func (a *app) backuper(ctx context.Context) (controller.Backuper, error) {
	if a.deps.Backup != nil {
		return a.deps.Backup, nil
	}
	bc := a.cfg.Backup
	if !bc.Enabled {
		return nil, nil
	}
	client, err := backup.NewS3Client(ctx, bc)
	if err != nil {
		return nil, err
	}
	return backup.NewUploader(a.store, client, backup.Options{
		Bucket:  bc.Bucket,
		Prefix:  bc.Prefix,
		TempDir: a.cfg.Media.TempDir,
		Now:     a.deps.Now,
		Logger:  a.logger,
	}), nil
}

// defaultPlan is the plan of scheduled runs.
func (a *app) defaultPlan() (engine.Plan, error) {
	mode, err := engine.ParseMode(a.cfg.Sync.Mode)
	if err != nil {
		return engine.Plan{}, err
	}
	order, err := source.ParseOrder(a.cfg.Sync.Order)
	if err != nil {
		return engine.Plan{}, err
	}
	return engine.Plan{Mode: mode, Order: order}, nil
}
