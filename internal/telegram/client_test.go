package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pxarchive/internal/archive"
	"github.com/roach88/pxarchive/internal/retry"
)

const (
	testToken   = "123:abc"
	scratchChat = archive.ChatID(-1009)
)

type call struct {
	Method string
	Params map[string]string
}

type apiFailure struct {
	Code        int
	Description string
	RetryAfter  int
}

// fakeBotAPI serves the Bot API methods the client uses.
type fakeBotAPI struct {
	mu       sync.Mutex
	nextID   int
	calls    []call
	fail     map[string][]apiFailure
	forwards map[string]map[string]any
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		nextID:   100,
		fail:     make(map[string][]apiFailure),
		forwards: make(map[string]map[string]any),
	}
}

// forwardable registers the message returned when chat/msg is forwarded.
func (f *fakeBotAPI) forwardable(chat archive.ChatID, msg int, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards[fmt.Sprintf("%d/%d", chat, msg)] = body
}

func (f *fakeBotAPI) failNext(method string, failures ...apiFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = append(f.fail[method], failures...)
}

func (f *fakeBotAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method != "getMe" {
			out = append(out, c.Method)
		}
	}
	return out
}

func (f *fakeBotAPI) last(method string) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i]
		}
	}
	return call{}
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	params := make(map[string]string)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
		for k, v := range r.MultipartForm.Value {
			params[k] = v[0]
		}
		for k := range r.MultipartForm.File {
			params[k] = "<file>"
		}
	} else {
		_ = r.ParseForm()
		for k, v := range r.PostForm {
			params[k] = v[0]
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: method, Params: params})
	var failure *apiFailure
	if queue := f.fail[method]; len(queue) > 0 {
		failure = &queue[0]
		f.fail[method] = queue[1:]
	}
	f.mu.Unlock()

	if failure != nil {
		resp := map[string]any{"ok": false, "error_code": failure.Code, "description": failure.Description}
		if failure.RetryAfter > 0 {
			resp["parameters"] = map[string]any{"retry_after": failure.RetryAfter}
		}
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	var result any = true
	switch method {
	case "getMe":
		result = map[string]any{"id": 1, "is_bot": true, "first_name": "archiver", "username": "archiver_bot"}
	case "sendMessage", "sendPhoto", "sendDocument":
		result = f.message(params["chat_id"], nil)
	case "forwardMessage":
		f.mu.Lock()
		body, ok := f.forwards[params["from_chat_id"]+"/"+params["message_id"]]
		f.mu.Unlock()
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": false, "error_code": 400, "description": "Bad Request: message to forward not found",
			})
			return
		}
		result = f.message(params["chat_id"], body)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeBotAPI) message(chat string, extra map[string]any) map[string]any {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	chatID, _ := strconv.ParseInt(chat, 10, 64)
	msg := map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": chatID, "type": "supergroup"}}
	for k, v := range extra {
		msg[k] = v
	}
	return msg
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI, *recordingSleeper) {
	t.Helper()
	api := newFakeBotAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	sleeper := &recordingSleeper{}
	c, err := New(Options{
		Token:    testToken,
		Endpoint: srv.URL,
		Scratch:  scratchChat,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2, Sleep: sleeper.Sleep},
	})
	require.NoError(t, err)
	return c, api, sleeper
}

func writeFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://api.telegram.org/bot%s/%s", endpoint(""))
	assert.Equal(t, "http://localhost:8081/bot%s/%s", endpoint("http://localhost:8081/"))
	assert.Equal(t, "http://x/custom/%s/%s", endpoint("http://x/custom/%s/%s"))
}

func TestSendCover(t *testing.T) {
	c, api, _ := newTestClient(t)
	cover := writeFile(t, "cover.jpg")

	id, err := c.SendCover(t.Context(), -1001, cover, "<b>No. 1</b>")
	require.NoError(t, err)
	assert.Equal(t, 101, id)

	sent := api.last("sendPhoto")
	assert.Equal(t, "-1001", sent.Params["chat_id"])
	assert.Equal(t, "<b>No. 1</b>", sent.Params["caption"])
	assert.Equal(t, "HTML", sent.Params["parse_mode"])
	assert.Equal(t, "<file>", sent.Params["photo"])
}

func TestSendCover_MissingFileIsNotSent(t *testing.T) {
	c, api, _ := newTestClient(t)

	_, err := c.SendCover(t.Context(), -1001, filepath.Join(t.TempDir(), "absent.jpg"), "x")
	require.Error(t, err)
	assert.Empty(t, api.methods())
}

func TestSendFile_RepliesToThread(t *testing.T) {
	c, api, _ := newTestClient(t)
	page := writeFile(t, "1_p0.png")

	id, err := c.SendFile(t.Context(), -1002, 55, page)
	require.NoError(t, err)
	assert.Equal(t, 101, id)
	assert.Equal(t, "55", api.last("sendDocument").Params["reply_to_message_id"])
}

func TestProbeWatermark(t *testing.T) {
	c, api, _ := newTestClient(t)

	id, err := c.ProbeWatermark(t.Context(), -1002)
	require.NoError(t, err)
	assert.Equal(t, 101, id)
	assert.Equal(t, []string{"sendMessage", "deleteMessage"}, api.methods())
	assert.Equal(t, ".", api.last("sendMessage").Params["text"])
	assert.Equal(t, "101", api.last("deleteMessage").Params["message_id"])
}

func TestProbeWatermark_UndeletedMarkerStillCounts(t *testing.T) {
	c, api, _ := newTestClient(t)
	api.failNext("deleteMessage", apiFailure{Code: 400, Description: "Bad Request: message can't be deleted"})

	id, err := c.ProbeWatermark(t.Context(), -1002)
	require.NoError(t, err)
	assert.Equal(t, 101, id)
}

func TestResolveForwardOrigin(t *testing.T) {
	c, api, _ := newTestClient(t)
	api.forwardable(-1002, 7, map[string]any{
		"forward_from_chat":       map[string]any{"id": -1001, "type": "channel"},
		"forward_from_message_id": 42,
	})
	api.forwardable(-1002, 8, map[string]any{
		"forward_origin": map[string]any{"type": "channel", "chat": map[string]any{"id": -1001}, "message_id": 43},
	})
	api.forwardable(-1002, 9, map[string]any{"text": "plain"})

	origin, err := c.ResolveForwardOrigin(t.Context(), -1002, 7)
	require.NoError(t, err)
	assert.Equal(t, archive.Origin{Chat: -1001, Message: 42}, origin)

	// The copy in the scratch chat is cleaned up.
	forward := api.last("forwardMessage")
	assert.Equal(t, strconv.FormatInt(int64(scratchChat), 10), forward.Params["chat_id"])
	del := api.last("deleteMessage")
	assert.Equal(t, forward.Params["chat_id"], del.Params["chat_id"])

	origin, err = c.ResolveForwardOrigin(t.Context(), -1002, 8)
	require.NoError(t, err)
	assert.Equal(t, archive.Origin{Chat: -1001, Message: 43}, origin)

	_, err = c.ResolveForwardOrigin(t.Context(), -1002, 9)
	assert.ErrorIs(t, err, archive.ErrNotFound)

	_, err = c.ResolveForwardOrigin(t.Context(), -1002, 10)
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestMessageText_RendersEntities(t *testing.T) {
	c, api, _ := newTestClient(t)
	api.forwardable(-1001, 3, map[string]any{
		"text": "Catalog\n[000001]",
		"entities": []map[string]any{
			{"type": "bold", "offset": 0, "length": 7},
			{"type": "text_link", "offset": 9, "length": 6, "url": "https://t.me/c/1001/5"},
		},
	})

	text, err := c.MessageText(t.Context(), -1001, 3)
	require.NoError(t, err)
	assert.Equal(t, "<b>Catalog</b>\n[<a href=\"https://t.me/c/1001/5\">000001</a>]", text)
}

func TestFloodWaitHonoursRetryAfter(t *testing.T) {
	c, api, sleeper := newTestClient(t)
	api.failNext("sendMessage", apiFailure{Code: 429, Description: "Too Many Requests: retry after 7", RetryAfter: 7})

	id, err := c.SendText(t.Context(), -1001, "hello")
	require.NoError(t, err)
	assert.Equal(t, 101, id)
	assert.Equal(t, []time.Duration{7 * time.Second}, sleeper.sleeps)
}

func TestServerErrorsExhaust(t *testing.T) {
	c, api, _ := newTestClient(t)
	failure := apiFailure{Code: 502, Description: "Bad Gateway"}
	api.failNext("sendMessage", failure, failure, failure)

	_, err := c.SendText(t.Context(), -1001, "hello")
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
}

func TestBadRequestIsPermanent(t *testing.T) {
	c, api, sleeper := newTestClient(t)
	api.failNext("pinChatMessage", apiFailure{Code: 400, Description: "Bad Request: not enough rights"})

	err := c.PinMessage(t.Context(), -1001, 5)
	require.Error(t, err)
	assert.False(t, retry.IsExhausted(err))
	assert.Empty(t, sleeper.sleeps)
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	c, api, _ := newTestClient(t)
	api.failNext("editMessageText", apiFailure{Code: 400, Description: "Bad Request: message is not modified"})

	require.NoError(t, c.EditText(t.Context(), -1001, 5, "same"))
	call := api.last("editMessageText")
	assert.Equal(t, "5", call.Params["message_id"])
	assert.Equal(t, "HTML", call.Params["parse_mode"])
}

func TestEditCaptionAndCover(t *testing.T) {
	c, api, _ := newTestClient(t)

	require.NoError(t, c.EditCaption(t.Context(), -1001, 5, "new"))
	assert.Equal(t, "new", api.last("editMessageCaption").Params["caption"])

	cover := writeFile(t, "cover.png")
	require.NoError(t, c.EditCover(t.Context(), -1001, 5, cover, "new"))
	assert.Contains(t, api.last("editMessageMedia").Params["media"], `"caption":"new"`)
}

func TestPinAndUnpin(t *testing.T) {
	c, api, _ := newTestClient(t)

	require.NoError(t, c.PinMessage(t.Context(), -1001, 5))
	require.NoError(t, c.UnpinAll(t.Context(), -1001))
	assert.Equal(t, []string{"pinChatMessage", "unpinAllChatMessages"}, api.methods())
	assert.Equal(t, "true", api.last("pinChatMessage").Params["disable_notification"])
}
