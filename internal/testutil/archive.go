package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pxarchive/internal/archive"
)

// Message is one message held by FakeArchive.
type Message struct {
	ID         int
	Text       string
	Cover      string
	File       string
	ThreadRoot int
	Origin     archive.Origin
	Pinned     bool
	Deleted    bool
}

// Ref names a message in a chat.
type Ref struct {
	Chat archive.ChatID
	ID   int
}

// FakeArchive is an in-memory messaging backend. Covers sent to a chat
// listed in Linked are mirrored into the linked chat the way the backend
// mirrors channel posts into the discussion group.
type FakeArchive struct {
	mu    sync.Mutex
	chats map[archive.ChatID][]*Message

	// Linked maps a broadcast chat to its discussion chat.
	Linked map[archive.ChatID]archive.ChatID

	// NoiseBeforeMirror messages from other members are posted to the
	// discussion chat before each mirror arrives.
	NoiseBeforeMirror int

	// MirrorLag delays the mirror until that many ResolveForwardOrigin
	// calls have been made after the cover was sent.
	MirrorLag int

	// DropMirrors suppresses mirroring entirely.
	DropMirrors bool

	// Fail makes the named operation fail once per listed error.
	Fail map[string][]error

	pending []pendingMirror
	deletes []Ref
	edits   map[string]int
}

type pendingMirror struct {
	to     archive.ChatID
	origin archive.Origin
	cover  string
	lag    int
}

// NewFakeArchive creates an empty backend with broadcast linked to
// discussion.
func NewFakeArchive(broadcast, discussion archive.ChatID) *FakeArchive {
	return &FakeArchive{
		chats:  make(map[archive.ChatID][]*Message),
		Linked: map[archive.ChatID]archive.ChatID{broadcast: discussion},
		Fail:   make(map[string][]error),
		edits:  make(map[string]int),
	}
}

func (f *FakeArchive) failure(op string) error {
	errs := f.Fail[op]
	if len(errs) == 0 {
		return nil
	}
	f.Fail[op] = errs[1:]
	return errs[0]
}

func (f *FakeArchive) post(chat archive.ChatID, m Message) *Message {
	m.ID = len(f.chats[chat]) + 1
	msg := &m
	f.chats[chat] = append(f.chats[chat], msg)
	return msg
}

func (f *FakeArchive) lookup(chat archive.ChatID, id int) *Message {
	msgs := f.chats[chat]
	if id < 1 || id > len(msgs) || msgs[id-1].Deleted {
		return nil
	}
	return msgs[id-1]
}

func (f *FakeArchive) deliver() {
	kept := f.pending[:0]
	for _, p := range f.pending {
		if p.lag > 0 {
			p.lag--
			kept = append(kept, p)
			continue
		}
		for range f.NoiseBeforeMirror {
			f.post(p.to, Message{Text: "chatter"})
		}
		f.post(p.to, Message{Cover: p.cover, Origin: p.origin, Pinned: true})
	}
	f.pending = kept
}

func (f *FakeArchive) SendCover(ctx context.Context, chat archive.ChatID, coverPath, caption string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SendCover"); err != nil {
		return 0, err
	}
	msg := f.post(chat, Message{Cover: coverPath, Text: caption})
	if to, ok := f.Linked[chat]; ok && !f.DropMirrors {
		f.pending = append(f.pending, pendingMirror{
			to:     to,
			origin: archive.Origin{Chat: chat, Message: msg.ID},
			cover:  coverPath,
			lag:    f.MirrorLag,
		})
		if f.MirrorLag == 0 {
			f.deliver()
		}
	}
	return msg.ID, nil
}

func (f *FakeArchive) EditCaption(ctx context.Context, chat archive.ChatID, id int, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits["EditCaption"]++
	if err := f.failure("EditCaption"); err != nil {
		return err
	}
	msg := f.lookup(chat, id)
	if msg == nil {
		return fmt.Errorf("edit caption: message %d: %w", id, archive.ErrNotFound)
	}
	msg.Text = caption
	return nil
}

func (f *FakeArchive) EditCover(ctx context.Context, chat archive.ChatID, id int, coverPath, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits["EditCover"]++
	if err := f.failure("EditCover"); err != nil {
		return err
	}
	msg := f.lookup(chat, id)
	if msg == nil {
		return fmt.Errorf("edit cover: message %d: %w", id, archive.ErrNotFound)
	}
	msg.Cover = coverPath
	msg.Text = caption
	return nil
}

func (f *FakeArchive) SendFile(ctx context.Context, chat archive.ChatID, threadRoot int, path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SendFile"); err != nil {
		return 0, err
	}
	return f.post(chat, Message{File: path, ThreadRoot: threadRoot}).ID, nil
}

func (f *FakeArchive) ProbeWatermark(ctx context.Context, chat archive.ChatID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("ProbeWatermark"); err != nil {
		return 0, err
	}
	msg := f.post(chat, Message{Text: "."})
	msg.Deleted = true
	return msg.ID, nil
}

func (f *FakeArchive) ResolveForwardOrigin(ctx context.Context, chat archive.ChatID, id int) (archive.Origin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits["ResolveForwardOrigin"]++
	if len(f.pending) > 0 {
		f.deliver()
	}
	msg := f.lookup(chat, id)
	if msg == nil || msg.Origin == (archive.Origin{}) {
		return archive.Origin{}, archive.ErrNotFound
	}
	return msg.Origin, nil
}

func (f *FakeArchive) DeleteMessage(ctx context.Context, chat archive.ChatID, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, Ref{Chat: chat, ID: id})
	if err := f.failure("DeleteMessage"); err != nil {
		return err
	}
	if msg := f.lookup(chat, id); msg != nil {
		msg.Deleted = true
	}
	return nil
}

func (f *FakeArchive) PinMessage(ctx context.Context, chat archive.ChatID, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.lookup(chat, id)
	if msg == nil {
		return fmt.Errorf("pin: message %d: %w", id, archive.ErrNotFound)
	}
	msg.Pinned = true
	return nil
}

func (f *FakeArchive) UnpinAll(ctx context.Context, chat archive.ChatID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.chats[chat] {
		msg.Pinned = false
	}
	return nil
}

func (f *FakeArchive) SendText(ctx context.Context, chat archive.ChatID, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SendText"); err != nil {
		return 0, err
	}
	return f.post(chat, Message{Text: text}).ID, nil
}

func (f *FakeArchive) EditText(ctx context.Context, chat archive.ChatID, id int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits["EditText"]++
	if err := f.failure("EditText"); err != nil {
		return err
	}
	msg := f.lookup(chat, id)
	if msg == nil {
		return fmt.Errorf("edit text: message %d: %w", id, archive.ErrNotFound)
	}
	msg.Text = text
	return nil
}

func (f *FakeArchive) MessageText(ctx context.Context, chat archive.ChatID, id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.lookup(chat, id)
	if msg == nil {
		return "", fmt.Errorf("read text: message %d: %w", id, archive.ErrNotFound)
	}
	return msg.Text, nil
}

// Messages returns copies of the live messages of chat.
func (f *FakeArchive) Messages(chat archive.ChatID) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, msg := range f.chats[chat] {
		if !msg.Deleted {
			out = append(out, *msg)
		}
	}
	return out
}

// Message returns a copy of message id in chat and whether it is live.
func (f *FakeArchive) Message(chat archive.ChatID, id int) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.lookup(chat, id)
	if msg == nil {
		return Message{}, false
	}
	return *msg, true
}

// Covers returns the live cover messages of chat.
func (f *FakeArchive) Covers(chat archive.ChatID) []Message {
	return slices.DeleteFunc(f.Messages(chat), func(m Message) bool { return m.Cover == "" })
}

// Deletes lists every DeleteMessage call in order.
func (f *FakeArchive) Deletes() []Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deletes)
}

// Count returns how often op was called. Counted ops are EditCaption,
// EditCover, EditText and ResolveForwardOrigin.
func (f *FakeArchive) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[op]
}
