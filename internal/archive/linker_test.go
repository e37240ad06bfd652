package archive_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pxarchive/internal/archive"
	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/classify"
	"github.com/roach88/pxarchive/internal/testutil"
)

const (
	broadcastChat  archive.ChatID = -1001234567890
	discussionChat archive.ChatID = -1009876543210
)

type linkerFixture struct {
	api     *testutil.FakeArchive
	media   *testutil.FakeMedia
	sleeper *testutil.Sleeper
	linker  *archive.Linker
}

func newLinker(t *testing.T, opts ...archive.LinkerOption) *linkerFixture {
	t.Helper()
	f := &linkerFixture{
		api:     testutil.NewFakeArchive(broadcastChat, discussionChat),
		media:   testutil.NewFakeMedia(),
		sleeper: testutil.NewSleeper(nil),
	}
	opts = append([]archive.LinkerOption{archive.WithSleep(f.sleeper.Sleep)}, opts...)
	f.linker = archive.NewLinker(f.api, f.media,
		archive.Targets{Broadcast: broadcastChat, Discussion: discussionChat}, opts...)
	return f
}

func newRecord(id string, ordinal int64, pages int) artwork.Record {
	return artwork.Record{
		ID:        id,
		Ordinal:   ordinal,
		Kind:      artwork.KindIllust,
		Existence: true,
		Meta: artwork.Meta{
			Title:      "title " + id,
			AuthorName: "author",
			AuthorID:   7,
			PageCount:  pages,
			CreatedAt:  "2024-01-01T00:00:00+09:00",
			UpdatedAt:  "2024-01-01T00:00:00+09:00",
		},
	}
}

func TestLinker_PublishNew(t *testing.T) {
	f := newLinker(t)

	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, []string{"100_p0_v1.jpg", "100_p1_v1.jpg"}, rec.PageFiles)
	require.True(t, rec.Links.Published())
	assert.Len(t, rec.Links.Companions, 2)

	cover, ok := f.api.Message(broadcastChat, rec.Links.Broadcast)
	require.True(t, ok)
	assert.Equal(t, "cover/100_p0_v1.jpg", cover.Cover)
	assert.Contains(t, cover.Text, "No. 1")

	mirror, ok := f.api.Message(discussionChat, rec.Links.Discussion)
	require.True(t, ok)
	assert.Equal(t, archive.Origin{Chat: broadcastChat, Message: rec.Links.Broadcast}, mirror.Origin)
	assert.False(t, mirror.Pinned, "mirrors are unpinned after publishing")

	for i, id := range rec.Links.Companions {
		file, ok := f.api.Message(discussionChat, id)
		require.True(t, ok)
		assert.Equal(t, rec.Links.Discussion, file.ThreadRoot)
		assert.Equal(t, "/media/"+rec.PageFiles[i], file.File)
	}
	assert.Empty(t, f.api.Deletes())
}

func TestLinker_PublishNew_UnavailableUsesPlaceholder(t *testing.T) {
	f := newLinker(t)

	in := newRecord("200", 1, 1)
	in.Existence = false
	in.Meta.AuthorID = 0

	rec, err := f.linker.PublishNew(t.Context(), in)
	require.NoError(t, err)

	assert.Zero(t, rec.Version)
	assert.Empty(t, rec.PageFiles)
	assert.Empty(t, rec.Links.Companions)
	assert.Empty(t, f.media.Acquired())

	cover, ok := f.api.Message(broadcastChat, rec.Links.Broadcast)
	require.True(t, ok)
	assert.Equal(t, testutil.PlaceholderCover, cover.Cover)
	assert.Contains(t, cover.Text, "(#ERR404)")
}

func TestLinker_PublishNew_GivenPagesAreNotAcquired(t *testing.T) {
	f := newLinker(t)

	in := newRecord("300", 1, 1)
	in.Version = 1
	in.PageFiles = []string{"manual.png"}

	rec, err := f.linker.PublishNew(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"manual.png"}, rec.PageFiles)
	assert.Empty(t, f.media.Acquired())
}

func TestLinker_MirrorBehindOtherMessages(t *testing.T) {
	f := newLinker(t)
	f.api.NoiseBeforeMirror = 3

	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)

	mirror, ok := f.api.Message(discussionChat, rec.Links.Discussion)
	require.True(t, ok)
	assert.Equal(t, rec.Links.Broadcast, mirror.Origin.Message)
	assert.Equal(t, 5, rec.Links.Discussion, "marker at 1, chatter at 2..4")
}

func TestLinker_MirrorArrivesLate(t *testing.T) {
	f := newLinker(t, archive.WithProbe(4, 5, time.Second))
	f.api.MirrorLag = 6

	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)
	assert.True(t, rec.Links.Published())

	sleeps := f.sleeper.Sleeps()
	require.GreaterOrEqual(t, len(sleeps), 2, "found in a later round")
	assert.Equal(t, time.Second, sleeps[0])
}

func TestLinker_LinkNotFoundRollsBackOnce(t *testing.T) {
	f := newLinker(t)
	f.api.DropMirrors = true

	in := newRecord("100", 1, 2)
	rec, err := f.linker.PublishNew(t.Context(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrLinkNotFound))

	assert.Equal(t, in, rec, "the input record is returned untouched")
	assert.False(t, rec.Links.Published())

	deletes := f.api.Deletes()
	require.Len(t, deletes, 1)
	assert.Equal(t, testutil.Ref{Chat: broadcastChat, ID: 1}, deletes[0])
	assert.Empty(t, f.api.Covers(broadcastChat))

	assert.Len(t, f.sleeper.Sleeps(), archive.DefaultProbeRounds)
	assert.Equal(t, archive.DefaultProbeRounds*archive.DefaultProbeWindow, f.api.Count("ResolveForwardOrigin"))
}

func TestLinker_MirrorOutsideWindow(t *testing.T) {
	f := newLinker(t)
	f.api.NoiseBeforeMirror = archive.DefaultProbeWindow

	_, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	assert.ErrorIs(t, err, archive.ErrLinkNotFound)
	assert.Len(t, f.api.Deletes(), 1)
}

func TestLinker_CompanionFailureRollsBack(t *testing.T) {
	f := newLinker(t)
	f.api.Fail["SendFile"] = []error{errors.New("file too large")}

	_, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.Error(t, err)
	assert.True(t, archive.IsWriteError(err))
	assert.Len(t, f.api.Deletes(), 1)
	assert.Empty(t, f.api.Covers(broadcastChat))
}

func TestLinker_FailedRollbackIsReported(t *testing.T) {
	f := newLinker(t)
	f.api.DropMirrors = true
	f.api.Fail["DeleteMessage"] = []error{errors.New("forbidden")}

	_, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrLinkNotFound)
	assert.True(t, archive.IsWriteError(err))
	assert.Len(t, f.api.Deletes(), 1)
}

func TestLinker_MediaFailureSendsNothing(t *testing.T) {
	f := newLinker(t)
	f.media.Fail["100"] = errors.New("403")

	_, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.Error(t, err)
	assert.True(t, archive.IsMediaError(err))
	assert.Empty(t, f.api.Covers(broadcastChat))
}

func TestLinker_UpdateMetadataOnly(t *testing.T) {
	f := newLinker(t)
	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)

	rec.Meta.Title = "renamed"
	updated, err := f.linker.UpdateExisting(t.Context(), rec, classify.MetadataOnly)
	require.NoError(t, err)

	assert.Equal(t, rec.Version, updated.Version)
	assert.Equal(t, rec.PageFiles, updated.PageFiles)
	assert.Equal(t, rec.Links, updated.Links)

	cover, _ := f.api.Message(broadcastChat, rec.Links.Broadcast)
	assert.Contains(t, cover.Text, "Title: renamed")
	assert.Equal(t, 1, f.api.Count("EditCaption"))
	assert.Zero(t, f.api.Count("EditCover"))
}

func TestLinker_UpdateReupload(t *testing.T) {
	f := newLinker(t)
	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)
	oldCompanions := rec.Links.Companions

	rec.Meta.UpdatedAt = "2024-03-01T00:00:00+09:00"
	rec.Meta.PageCount = 2
	updated, err := f.linker.UpdateExisting(t.Context(), rec, classify.Reupload)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, []string{"100_p0_v2.jpg", "100_p1_v2.jpg"}, updated.PageFiles)
	assert.Equal(t, rec.Links.Broadcast, updated.Links.Broadcast)
	assert.Equal(t, rec.Links.Discussion, updated.Links.Discussion)
	require.Len(t, updated.Links.Companions, 2)
	assert.NotEqual(t, oldCompanions, updated.Links.Companions)

	for _, id := range oldCompanions {
		_, ok := f.api.Message(discussionChat, id)
		assert.True(t, ok, "old companions are kept")
	}
	cover, _ := f.api.Message(broadcastChat, rec.Links.Broadcast)
	assert.Equal(t, "cover/100_p0_v2.jpg", cover.Cover)
	assert.Equal(t, 1, f.api.Count("EditCover"))
}

func TestLinker_UpdateEditFailure(t *testing.T) {
	f := newLinker(t)
	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)

	f.api.Fail["EditCaption"] = []error{errors.New("flood wait")}
	changed := rec.Clone()
	changed.Meta.Title = "renamed"

	out, err := f.linker.UpdateExisting(t.Context(), changed, classify.MetadataOnly)
	require.Error(t, err)
	assert.True(t, archive.IsWriteError(err))
	assert.Equal(t, changed, out)
}

func TestLinker_UpdateUnpublishedSkipsBackend(t *testing.T) {
	f := newLinker(t)
	rec := newRecord("100", 1, 1)
	rec.Version = 1
	rec.PageFiles = []string{"100_p0_v1.jpg"}

	out, err := f.linker.UpdateExisting(t.Context(), rec, classify.Reupload)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Version)
	assert.Zero(t, f.api.Count("EditCover"))
	assert.Zero(t, f.api.Count("EditCaption"))
}

func TestLinker_CallGapBetweenCompanions(t *testing.T) {
	f := newLinker(t, archive.WithProbe(0, 0, time.Second), archive.WithCallGap(500*time.Millisecond))

	_, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 3))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond, 500 * time.Millisecond}, f.sleeper.Sleeps())
}

func TestPermalink(t *testing.T) {
	assert.Equal(t, "https://t.me/c/1234567890/42", archive.Permalink(broadcastChat, 42))
	assert.Equal(t, "https://t.me/c/555/1", archive.Permalink(555, 1))
}

func TestLinker_ReplaceFiles(t *testing.T) {
	f := newLinker(t)
	rec, err := f.linker.PublishNew(t.Context(), newRecord("100", 1, 1))
	require.NoError(t, err)

	rec.Version = 2
	rec.PageFiles = []string{"edited.png"}
	out, err := f.linker.ReplaceFiles(t.Context(), rec)
	require.NoError(t, err)

	require.Len(t, out.Links.Companions, 1)
	file, ok := f.api.Message(discussionChat, out.Links.Companions[0])
	require.True(t, ok)
	assert.Equal(t, "/media/edited.png", file.File)
	assert.Empty(t, f.media.Acquired()[1:], "given files are not acquired")
}
