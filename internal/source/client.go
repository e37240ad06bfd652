package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/retry"
)

const defaultBaseURL = "https://www.pixiv.net"

// HTTPError is a non-2xx response from the source.
type HTTPError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("source %s: http %d: %s", e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("source %s: http %d", e.Path, e.StatusCode)
}

// APIError is a 200 response whose envelope reports an error.
type APIError struct {
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source %s: %s", e.Path, e.Message)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	UserID     string
	Cookie     string
	UserAgent  string
	// Rest selects public ("show") or private ("hide") bookmarks.
	Rest       string
	HTTPClient *http.Client
	Retry      retry.Policy
	Logger     *slog.Logger
}

// Client talks to the source's ajax endpoints.
type Client struct {
	baseURL    string
	userID     string
	cookie     string
	userAgent  string
	rest       string
	httpClient *http.Client
	retry      retry.Policy
	logger     *slog.Logger
}

// NewClient creates a source client.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	rest := opts.Rest
	if rest == "" {
		rest = "show"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		userID:     opts.UserID,
		cookie:     opts.Cookie,
		userAgent:  opts.UserAgent,
		rest:       rest,
		httpClient: httpClient,
		retry:      opts.Retry,
		logger:     logger,
	}
}

type envelope struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

type bookmarksBody struct {
	Works        []workJSON          `json:"works"`
	Total        int                 `json:"total"`
	BookmarkTags map[string][]string `json:"bookmarkTags"`
}

type workJSON struct {
	ID           flexID   `json:"id"`
	Title        string   `json:"title"`
	IllustType   int      `json:"illustType"`
	PageCount    int      `json:"pageCount"`
	Tags         []string `json:"tags"`
	UserName     string   `json:"userName"`
	UserID       flexID   `json:"userId"`
	CreateDate   string   `json:"createDate"`
	UpdateDate   string   `json:"updateDate"`
	BookmarkData *struct {
		ID flexID `json:"id"`
	} `json:"bookmarkData"`
}

// Page fetches one page of the bookmark collection, newest first.
func (c *Client) Page(ctx context.Context, offset, limit int) (Page, error) {
	q := url.Values{}
	q.Set("tag", "")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("rest", c.rest)
	path := fmt.Sprintf("/ajax/user/%s/illusts/bookmarks?%s", url.PathEscape(c.userID), q.Encode())

	var body bookmarksBody
	if err := c.getJSON(ctx, path, &body); err != nil {
		return Page{}, err
	}

	page := Page{Total: body.Total, Items: make([]RawItem, 0, len(body.Works))}
	for _, w := range body.Works {
		item := RawItem{
			ID:         string(w.ID),
			Kind:       artwork.KindFromCode(w.IllustType),
			PageCount:  w.PageCount,
			Title:      nfc(w.Title),
			Tags:       nfcAll(w.Tags),
			CreatedAt:  w.CreateDate,
			UpdatedAt:  w.UpdateDate,
			AuthorName: nfc(w.UserName),
			AuthorID:   w.UserID.int64(),
		}
		if w.BookmarkData != nil {
			item.BookmarkID = string(w.BookmarkData.ID)
			item.BookmarkTags = nfcAll(body.BookmarkTags[item.BookmarkID])
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// Total returns the current collection size.
func (c *Client) Total(ctx context.Context) (int, error) {
	page, err := c.Page(ctx, 0, 1)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// Exists reports whether the item page is still served.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	err := c.getJSON(ctx, "/ajax/illust/"+url.PathEscape(id), nil)
	if err == nil {
		return true, nil
	}
	var he *HTTPError
	if errors.As(err, &he) && (he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return false, nil
	}
	return false, err
}

// PageURLs returns the original file URL of every page of a picture set.
func (c *Client) PageURLs(ctx context.Context, id string) ([]string, error) {
	var body []struct {
		URLs struct {
			Original string `json:"original"`
		} `json:"urls"`
	}
	if err := c.getJSON(ctx, "/ajax/illust/"+url.PathEscape(id)+"/pages", &body); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(body))
	for _, p := range body {
		urls = append(urls, p.URLs.Original)
	}
	return urls, nil
}

// Frame is one still of an animated item.
type Frame struct {
	File  string `json:"file"`
	Delay int    `json:"delay"`
}

// UgoiraMeta locates the frame archive of an animated item.
type UgoiraMeta struct {
	OriginalSrc string  `json:"originalSrc"`
	Frames      []Frame `json:"frames"`
}

// Ugoira returns the frame manifest of an animated item.
func (c *Client) Ugoira(ctx context.Context, id string) (UgoiraMeta, error) {
	var meta UgoiraMeta
	if err := c.getJSON(ctx, "/ajax/illust/"+url.PathEscape(id)+"/ugoira_meta", &meta); err != nil {
		return UgoiraMeta{}, err
	}
	return meta, nil
}

// Download fetches rawURL into dst with the referer the source requires.
// The file is written to a temporary name first and renamed on success.
func (c *Client) Download(ctx context.Context, rawURL, referer, dst string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		c.decorate(req)
		req.Header.Set("Referer", referer)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp, rawURL, nil); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return retry.Permanent(fmt.Errorf("create dir: %w", err))
		}
		tmp := dst + ".part"
		f, err := os.Create(tmp)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create %s: %w", tmp, err))
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("download %s: %w", rawURL, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return retry.Permanent(fmt.Errorf("close %s: %w", tmp, err))
		}
		if err := os.Rename(tmp, dst); err != nil {
			return retry.Permanent(fmt.Errorf("rename %s: %w", tmp, err))
		}
		return nil
	})
}

func (c *Client) decorate(req *http.Request) {
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// getJSON GETs an ajax path and decodes the envelope body into out. Rate
// limits and server errors are retried; other failures are permanent.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		c.decorate(req)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := classifyStatus(resp, path, payload); err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		if env.Error {
			return retry.Permanent(&APIError{Path: path, Message: env.Message})
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s body: %w", path, err))
		}
		return nil
	})
}

func classifyStatus(resp *http.Response, path string, payload []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	he := &HTTPError{StatusCode: resp.StatusCode, Path: path}
	if len(payload) > 0 {
		var env envelope
		if json.Unmarshal(payload, &env) == nil {
			he.Message = env.Message
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.After(parseRetryAfter(resp.Header.Get("Retry-After")), he)
	}
	return retry.Permanent(he)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func nfc(s string) string {
	return norm.NFC.String(s)
}

func nfcAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = nfc(s)
	}
	return out
}
