// Package telegram implements archive.API on the Telegram Bot API.
//
// The Bot API cannot read a message by id. Reads go through a scratch chat:
// the message is forwarded there, inspected and the copy deleted.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/roach88/pxarchive/internal/archive"
	"github.com/roach88/pxarchive/internal/retry"
)

// Options configures a Client.
type Options struct {
	Token string
	// Endpoint is the Bot API base URL, either a bare URL such as
	// "http://localhost:8081" or a format with two %s verbs for token and
	// method. Empty uses the public API.
	Endpoint string
	// Scratch is the chat that forwarded copies are read in.
	Scratch    archive.ChatID
	HTTPClient *http.Client
	Retry      retry.Policy
	Logger     *slog.Logger
}

// Client is an archive.API backed by a bot account.
type Client struct {
	bot     *tgbotapi.BotAPI
	scratch archive.ChatID
	retry   retry.Policy
	logger  *slog.Logger
}

var _ archive.API = (*Client)(nil)

// New authenticates the bot and returns a client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint(opts.Endpoint), httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate: %w", err)
	}
	logger.Info("telegram bot authenticated", "username", bot.Self.UserName)

	return &Client{
		bot:     bot,
		scratch: opts.Scratch,
		retry:   opts.Retry,
		logger:  logger,
	}, nil
}

func endpoint(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case base == "":
		return tgbotapi.APIEndpoint
	case strings.Contains(base, "%s"):
		return base
	default:
		return strings.TrimRight(base, "/") + "/bot%s/%s"
	}
}

// SendCover posts a photo with an HTML caption.
func (c *Client) SendCover(ctx context.Context, chat archive.ChatID, coverPath, caption string) (int, error) {
	if err := readable(coverPath); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewPhoto(int64(chat), tgbotapi.FilePath(coverPath))
	cfg.Caption = caption
	cfg.ParseMode = tgbotapi.ModeHTML
	return c.send(ctx, "send cover", cfg)
}

// EditCaption replaces the caption of a media message.
func (c *Client) EditCaption(ctx context.Context, chat archive.ChatID, msg int, caption string) error {
	cfg := tgbotapi.NewEditMessageCaption(int64(chat), msg, caption)
	cfg.ParseMode = tgbotapi.ModeHTML
	return c.edit(ctx, "edit caption", cfg)
}

// EditCover replaces the photo and caption of a media message.
func (c *Client) EditCover(ctx context.Context, chat archive.ChatID, msg int, coverPath, caption string) error {
	if err := readable(coverPath); err != nil {
		return err
	}
	media := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(coverPath))
	media.Caption = caption
	media.ParseMode = tgbotapi.ModeHTML
	cfg := tgbotapi.EditMessageMediaConfig{
		BaseEdit: tgbotapi.BaseEdit{ChatID: int64(chat), MessageID: msg},
		Media:    media,
	}
	return c.edit(ctx, "edit cover", cfg)
}

// SendFile uploads a document as a reply to threadRoot.
func (c *Client) SendFile(ctx context.Context, chat archive.ChatID, threadRoot int, path string) (int, error) {
	if err := readable(path); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewDocument(int64(chat), tgbotapi.FilePath(path))
	cfg.ReplyToMessageID = threadRoot
	return c.send(ctx, "send file", cfg)
}

// ProbeWatermark sends a "." marker, deletes it and returns its id. A marker
// that cannot be deleted is left behind; its id is still a valid watermark.
func (c *Client) ProbeWatermark(ctx context.Context, chat archive.ChatID) (int, error) {
	id, err := c.send(ctx, "send watermark", tgbotapi.NewMessage(int64(chat), "."))
	if err != nil {
		return 0, err
	}
	if err := c.DeleteMessage(ctx, chat, id); err != nil {
		c.logger.Warn("watermark not deleted", "chat", chat, "message", id, "error", err)
	}
	return id, nil
}

// ResolveForwardOrigin reports where a message was forwarded from. It
// returns archive.ErrNotFound when the message does not exist or is not a
// forward.
func (c *Client) ResolveForwardOrigin(ctx context.Context, chat archive.ChatID, msg int) (archive.Origin, error) {
	copied, err := c.read(ctx, chat, msg)
	if err != nil {
		return archive.Origin{}, err
	}
	origin, ok := copied.origin()
	if !ok {
		return archive.Origin{}, archive.ErrNotFound
	}
	return origin, nil
}

// MessageText returns the HTML rendering of a text or caption.
func (c *Client) MessageText(ctx context.Context, chat archive.ChatID, msg int) (string, error) {
	copied, err := c.read(ctx, chat, msg)
	if err != nil {
		return "", err
	}
	if copied.Text != "" {
		return renderHTML(copied.Text, copied.Entities), nil
	}
	return renderHTML(copied.Caption, copied.CaptionEntities), nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chat archive.ChatID, msg int) error {
	return c.request(ctx, "delete message", tgbotapi.NewDeleteMessage(int64(chat), msg))
}

// PinMessage pins a message silently.
func (c *Client) PinMessage(ctx context.Context, chat archive.ChatID, msg int) error {
	return c.request(ctx, "pin message", tgbotapi.PinChatMessageConfig{
		ChatID:              int64(chat),
		MessageID:           msg,
		DisableNotification: true,
	})
}

// UnpinAll clears every pinned message of chat.
func (c *Client) UnpinAll(ctx context.Context, chat archive.ChatID) error {
	return c.request(ctx, "unpin all", tgbotapi.UnpinAllChatMessagesConfig{ChatID: int64(chat)})
}

// SendText posts an HTML text message without link previews.
func (c *Client) SendText(ctx context.Context, chat archive.ChatID, text string) (int, error) {
	cfg := tgbotapi.NewMessage(int64(chat), text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	return c.send(ctx, "send text", cfg)
}

// EditText replaces the text of a message.
func (c *Client) EditText(ctx context.Context, chat archive.ChatID, msg int, text string) error {
	cfg := tgbotapi.NewEditMessageText(int64(chat), msg, text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	return c.edit(ctx, "edit text", cfg)
}

// message is the part of a Bot API message the client reads. It decodes
// both the legacy forward fields and forward_origin.
type message struct {
	MessageID            int        `json:"message_id"`
	ForwardFromChat      *chatRef   `json:"forward_from_chat"`
	ForwardFromMessageID int        `json:"forward_from_message_id"`
	ForwardOrigin        *originRef `json:"forward_origin"`

	Text            string                   `json:"text"`
	Entities        []tgbotapi.MessageEntity `json:"entities"`
	Caption         string                   `json:"caption"`
	CaptionEntities []tgbotapi.MessageEntity `json:"caption_entities"`
}

type chatRef struct {
	ID int64 `json:"id"`
}

type originRef struct {
	Type      string   `json:"type"`
	Chat      *chatRef `json:"chat"`
	MessageID int      `json:"message_id"`
}

func (m message) origin() (archive.Origin, bool) {
	if o := m.ForwardOrigin; o != nil && o.Chat != nil && o.MessageID != 0 {
		return archive.Origin{Chat: archive.ChatID(o.Chat.ID), Message: o.MessageID}, true
	}
	if m.ForwardFromChat != nil && m.ForwardFromMessageID != 0 {
		return archive.Origin{Chat: archive.ChatID(m.ForwardFromChat.ID), Message: m.ForwardFromMessageID}, true
	}
	return archive.Origin{}, false
}

// read forwards msg into the scratch chat, decodes the copy and deletes it.
func (c *Client) read(ctx context.Context, chat archive.ChatID, msg int) (message, error) {
	if c.scratch == 0 {
		return message{}, errors.New("telegram: scratch chat not configured")
	}
	var copied message
	err := c.retry.Do(ctx, func(context.Context) error {
		resp, err := c.bot.Request(tgbotapi.NewForward(int64(c.scratch), int64(chat), msg))
		if err != nil {
			if isNotFound(err) {
				return retry.Permanent(archive.ErrNotFound)
			}
			return classify(err)
		}
		if err := json.Unmarshal(resp.Result, &copied); err != nil {
			return retry.Permanent(fmt.Errorf("decode forwarded message: %w", err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return message{}, archive.ErrNotFound
		}
		return message{}, fmt.Errorf("telegram: read message %d of chat %d: %w", msg, chat, err)
	}

	if err := c.DeleteMessage(ctx, c.scratch, copied.MessageID); err != nil {
		c.logger.Warn("scratch copy not deleted", "chat", c.scratch, "message", copied.MessageID, "error", err)
	}
	return copied, nil
}

func (c *Client) send(ctx context.Context, op string, cfg tgbotapi.Chattable) (int, error) {
	var id int
	err := c.retry.Do(ctx, func(context.Context) error {
		sent, err := c.bot.Send(cfg)
		if err != nil {
			return classify(err)
		}
		id = sent.MessageID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: %s: %w", op, err)
	}
	return id, nil
}

// edit is request with "message is not modified" treated as success.
func (c *Client) edit(ctx context.Context, op string, cfg tgbotapi.Chattable) error {
	err := c.request(ctx, op, cfg)
	if err != nil && isNotModified(err) {
		c.logger.Debug("edit left message unchanged", "op", op)
		return nil
	}
	return err
}

func (c *Client) request(ctx context.Context, op string, cfg tgbotapi.Chattable) error {
	err := c.retry.Do(ctx, func(context.Context) error {
		if _, err := c.bot.Request(cfg); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", op, err)
	}
	return nil
}

// classify marks Bot API errors for the retry policy: flood waits carry
// their retry_after, server errors are retried, other API errors are final.
// Transport errors are retried.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		return retry.After(time.Duration(apiErr.RetryAfter)*time.Second, err)
	case apiErr.Code >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}

func isNotFound(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "not found")
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}

func readable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("telegram: upload: %w", err)
	}
	return nil
}
