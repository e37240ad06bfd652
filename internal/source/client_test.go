package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/retry"
)

const bookmarksJSON = `{
  "error": false,
  "message": "",
  "body": {
    "works": [
      {"id": "1001", "title": "Café", "illustType": 2, "pageCount": 1,
       "tags": ["a", "b"], "userName": "artist", "userId": "77",
       "createDate": "2024-01-02T03:04:05+09:00", "updateDate": "2024-01-03T03:04:05+09:00",
       "bookmarkData": {"id": "555", "private": false}},
      {"id": 1002, "title": "-----", "illustType": 0, "pageCount": 1,
       "tags": [], "userName": "", "userId": 0,
       "createDate": "1970-01-01T00:00:00+09:00", "updateDate": "1970-01-01T00:00:00+09:00",
       "bookmarkData": null}
    ],
    "total": 2,
    "bookmarkTags": {"555": ["keep"]}
  }
}`

func newTestClient(t *testing.T, h http.Handler) (*Client, *recordingSleeper) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	sleeper := &recordingSleeper{}
	c := NewClient(ClientOptions{
		BaseURL:   srv.URL,
		UserID:    "42",
		Cookie:    "PHPSESSID=abc",
		UserAgent: "pxarchive-test",
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Factor:      2,
			Sleep:       sleeper.Sleep,
		},
	})
	return c, sleeper
}

func TestClient_Page(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ajax/user/42/illusts/bookmarks", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "show", r.URL.Query().Get("rest"))
		assert.Equal(t, "PHPSESSID=abc", r.Header.Get("Cookie"))
		assert.Equal(t, "pxarchive-test", r.Header.Get("User-Agent"))
		fmt.Fprint(w, bookmarksJSON)
	}))

	page, err := c.Page(t.Context(), 10, 5)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Total)

	first := page.Items[0]
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, artwork.KindUgoira, first.Kind)
	assert.Equal(t, "Café", first.Title, "titles are NFC normalized")
	assert.Equal(t, int64(77), first.AuthorID)
	assert.Equal(t, []string{"keep"}, first.BookmarkTags)
	assert.True(t, first.Available())

	gone := page.Items[1]
	assert.Equal(t, "1002", gone.ID)
	assert.Equal(t, int64(0), gone.AuthorID)
	assert.False(t, gone.Available())
	assert.Empty(t, gone.BookmarkTags)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, sleeper := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, bookmarksJSON)
	}))

	page, err := c.Page(t.Context(), 0, 5)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, sleeper.Sleeps())
}

func TestClient_ExhaustedIsRemoteUnavailable(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Page(t.Context(), 0, 5)
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadGateway, he.StatusCode)
}

func TestClient_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":true,"message":"login required","body":[]}`)
	}))

	_, err := c.Page(t.Context(), 0, 5)
	require.Error(t, err)
	assert.False(t, retry.IsExhausted(err))
	assert.Contains(t, err.Error(), "login required")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Exists(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ajax/illust/1":
			fmt.Fprint(w, `{"error":false,"message":"","body":{"illustId":"1"}}`)
		case "/ajax/illust/2":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":true,"message":"deleted","body":[]}`)
		case "/ajax/illust/3":
			fmt.Fprint(w, `{"error":true,"message":"private","body":[]}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))

	ok, err := c.Exists(t.Context(), "1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(t.Context(), "2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Exists(t.Context(), "3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Exists(t.Context(), "4")
	assert.True(t, retry.IsExhausted(err), "server errors are not a verdict")
}

func TestClient_PageURLsAndUgoira(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ajax/illust/9/pages":
			fmt.Fprint(w, `{"error":false,"body":[
				{"urls":{"original":"https://i.example/9_p0.jpg"}},
				{"urls":{"original":"https://i.example/9_p1.png"}}]}`)
		case "/ajax/illust/9/ugoira_meta":
			fmt.Fprint(w, `{"error":false,"body":{
				"originalSrc":"https://i.example/9_ugoira.zip",
				"frames":[{"file":"000000.jpg","delay":80},{"file":"000001.jpg","delay":120}]}}`)
		}
	}))

	urls, err := c.PageURLs(t.Context(), "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://i.example/9_p0.jpg", "https://i.example/9_p1.png"}, urls)

	meta, err := c.Ugoira(t.Context(), "9")
	require.NoError(t, err)
	assert.Equal(t, "https://i.example/9_ugoira.zip", meta.OriginalSrc)
	assert.Equal(t, []Frame{{File: "000000.jpg", Delay: 80}, {File: "000001.jpg", Delay: 120}}, meta.Frames)
}

func TestClient_Download(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://www.pixiv.net/artworks/9" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "image-bytes")
	}))

	dst := filepath.Join(t.TempDir(), "nested", "9_p0_v1.jpg")
	srvURL := c.baseURL + "/img/9_p0.jpg"
	require.NoError(t, c.Download(t.Context(), srvURL, "https://www.pixiv.net/artworks/9", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	_, err = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(err))

	err = c.Download(t.Context(), srvURL, "https://elsewhere", filepath.Join(t.TempDir(), "x.jpg"))
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusForbidden, he.StatusCode)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

// recordingSleeper records requested sleeps without waiting.
type recordingSleeper struct {
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sleeps = append(s.sleeps, d)
	return nil
}

func (s *recordingSleeper) Sleeps() []time.Duration {
	return s.sleeps
}
