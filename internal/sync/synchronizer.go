// Package sync reconciles the three writers of a conversation view: the
// user's own optimistic sends, the server's confirmations of those sends, and
// the change feed pushing copies of both sides' messages. It presents one
// duplicate-free list ordered by created_at.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/feed"
	"github.com/marketloop/marketloop/internal/logger"
	"github.com/marketloop/marketloop/internal/models"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownEntry   = errors.New("unknown message entry")
	ErrNotFailed      = errors.New("entry is not in failed state")

	log = logger.New("sync")
)

// placeholderSender is rendered until the async name lookup lands.
const placeholderSender = "Unknown user"

// Status tracks a locally-issued message through its life.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Entry is one rendered row of the conversation. Entries that never were
// local (peer messages observed via the feed or a refetch) have a zero
// ClientTempID and are always confirmed.
type Entry struct {
	Message      models.Message
	ClientTempID uuid.UUID
	Status       Status
	SenderName   string
}

// Store is the slice of the repository the synchronizer drives.
type Store interface {
	SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, msgType models.MessageType, content string, attachment *models.Attachment) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, error)
	GetConversation(ctx context.Context, id, viewerID uuid.UUID) (*models.Conversation, []*models.Message, error)
}

// UserLookup resolves sender display names, best effort.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Synchronizer owns one open conversation view. All mutation of the entry
// list goes through it; the repository stays the source of truth and the
// list is always reconstructible from a refetch.
type Synchronizer struct {
	conversationID uuid.UUID
	selfID         uuid.UUID
	store          Store
	users          UserLookup

	mu      sync.Mutex
	entries []*Entry
	byID    map[uuid.UUID]*Entry
	byTemp  map[uuid.UUID]*Entry
	names   map[uuid.UUID]string
	lookups map[uuid.UUID]bool

	changed chan struct{}
	now     func() time.Time
}

func New(store Store, users UserLookup, conversationID, selfID uuid.UUID) *Synchronizer {
	return &Synchronizer{
		conversationID: conversationID,
		selfID:         selfID,
		store:          store,
		users:          users,
		byID:           make(map[uuid.UUID]*Entry),
		byTemp:         make(map[uuid.UUID]*Entry),
		names:          make(map[uuid.UUID]string),
		lookups:        make(map[uuid.UUID]bool),
		changed:        make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Changed delivers one coalesced wakeup per batch of list mutations, however
// many underlying events produced it. The UI re-reads Entries and scrolls.
func (s *Synchronizer) Changed() <-chan struct{} {
	return s.changed
}

// Entries returns a snapshot of the rendered list in display order.
func (s *Synchronizer) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

func (s *Synchronizer) notifyLocked() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Message.CreatedAt.Before(s.entries[j].Message.CreatedAt)
	})
}

func validateSend(msgType models.MessageType, content string, attachment *models.Attachment) error {
	if !msgType.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msgType)
	}
	if msgType.RequiresAttachment() {
		if attachment == nil {
			return fmt.Errorf("%w: %s message needs an attachment", ErrInvalidMessage, msgType)
		}
		return nil
	}
	if attachment != nil {
		return fmt.Errorf("%w: %s message cannot carry an attachment", ErrInvalidMessage, msgType)
	}
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	return nil
}

// Send issues an optimistic local entry, then the repository call. The entry
// is visible immediately; on failure it stays, marked failed, for an explicit
// user resend. The returned id is the client temp id correlating the entry.
func (s *Synchronizer) Send(ctx context.Context, msgType models.MessageType, content string, attachment *models.Attachment) (uuid.UUID, error) {
	if err := validateSend(msgType, content, attachment); err != nil {
		return uuid.Nil, err
	}

	tempID := uuid.New()
	entry := &Entry{
		Message: models.Message{
			ConversationID: s.conversationID,
			SenderID:       s.selfID,
			Type:           msgType,
			Content:        content,
			Attachment:     attachment,
			CreatedAt:      s.now().UTC(),
		},
		ClientTempID: tempID,
		Status:       StatusPending,
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.byTemp[tempID] = entry
	s.sortLocked()
	s.notifyLocked()
	s.mu.Unlock()

	msg, err := s.store.SendMessage(ctx, s.conversationID, s.selfID, msgType, content, attachment)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if e, ok := s.byTemp[tempID]; ok && e.Status == StatusPending {
			e.Status = StatusFailed
			s.notifyLocked()
		}
		return tempID, fmt.Errorf("send failed: %w", err)
	}

	s.confirmLocked(tempID, msg)
	return tempID, nil
}

// confirmLocked replaces the pending entry matched by temp id with the
// server-confirmed message. The feed copy of the same message may already
// have landed, in either order; every branch here is a safe no-op to repeat.
func (s *Synchronizer) confirmLocked(tempID uuid.UUID, msg *models.Message) {
	if existing, ok := s.byID[msg.ID]; ok {
		// The feed delivered the confirmed copy first. Drop the pending
		// entry if it still exists and keep the feed copy as the one entry
		// correlated to this temp id.
		if pending, ok := s.byTemp[tempID]; ok && pending != existing {
			s.removeEntryLocked(pending)
		}
		existing.ClientTempID = tempID
		existing.Status = StatusConfirmed
		s.byTemp[tempID] = existing
		s.notifyLocked()
		return
	}

	pending, ok := s.byTemp[tempID]
	if !ok {
		// The pending entry fell out of view (for example a resync in the
		// middle of the send). Append the confirmed copy instead.
		entry := &Entry{Message: *msg, ClientTempID: tempID, Status: StatusConfirmed}
		s.entries = append(s.entries, entry)
		s.byID[msg.ID] = entry
		s.byTemp[tempID] = entry
		s.sortLocked()
		s.notifyLocked()
		return
	}

	pending.Message = *msg
	pending.Status = StatusConfirmed
	s.byID[msg.ID] = pending
	s.sortLocked()
	s.notifyLocked()
}

func (s *Synchronizer) removeEntryLocked(target *Entry) {
	for i, e := range s.entries {
		if e == target {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if target.Message.ID != uuid.Nil && s.byID[target.Message.ID] == target {
		delete(s.byID, target.Message.ID)
	}
	if target.ClientTempID != uuid.Nil && s.byTemp[target.ClientTempID] == target {
		delete(s.byTemp, target.ClientTempID)
	}
}

// Resend retries a failed entry. The old entry is removed and the message is
// re-sent under a fresh temp id; ids are never reused, which keeps the dedup
// rules trivial.
func (s *Synchronizer) Resend(ctx context.Context, tempID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	entry, ok := s.byTemp[tempID]
	if !ok {
		s.mu.Unlock()
		return uuid.Nil, ErrUnknownEntry
	}
	if entry.Status != StatusFailed {
		s.mu.Unlock()
		return uuid.Nil, ErrNotFailed
	}

	msg := entry.Message
	s.removeEntryLocked(entry)
	s.notifyLocked()
	s.mu.Unlock()

	return s.Send(ctx, msg.Type, msg.Content, msg.Attachment)
}

// ApplyEvent folds one normalized feed event into the list. Dedup is by
// server id only; an insert for a known id is ignored, an update for an
// unknown id is appended.
func (s *Synchronizer) ApplyEvent(ev feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[ev.Message.ID]; ok {
		if ev.Kind == feed.EventUpdate {
			temp := existing.ClientTempID
			existing.Message = ev.Message
			existing.ClientTempID = temp
			existing.Status = StatusConfirmed
			s.sortLocked()
			s.notifyLocked()
		}
		return
	}

	entry := &Entry{Message: ev.Message, Status: StatusConfirmed}
	s.entries = append(s.entries, entry)
	s.byID[ev.Message.ID] = entry
	s.backfillNameLocked(entry)
	s.sortLocked()
	s.notifyLocked()
}

// MarkRead marks everything the peer sent as read, on the server and in the
// local list.
func (s *Synchronizer) MarkRead(ctx context.Context) error {
	if _, err := s.store.MarkRead(ctx, s.conversationID, s.selfID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := false
	for _, e := range s.entries {
		if e.Message.SenderID != s.selfID && !e.Message.IsRead {
			e.Message.IsRead = true
			touched = true
		}
	}
	if touched {
		s.notifyLocked()
	}
	return nil
}

// Resync replaces all confirmed state with a fresh server fetch, keeping
// pending and failed local entries. The feed has no replay, so this is the
// only way to close a gap after a dropped subscription; it is also the
// initial load.
func (s *Synchronizer) Resync(ctx context.Context) error {
	_, msgs, err := s.store.GetConversation(ctx, s.conversationID, s.selfID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var local []*Entry
	for _, e := range s.entries {
		if e.Status != StatusConfirmed {
			local = append(local, e)
		}
	}

	s.entries = s.entries[:0]
	s.byID = make(map[uuid.UUID]*Entry)
	s.byTemp = make(map[uuid.UUID]*Entry)

	for _, m := range msgs {
		entry := &Entry{Message: *m, Status: StatusConfirmed}
		s.entries = append(s.entries, entry)
		s.byID[m.ID] = entry
		s.backfillNameLocked(entry)
	}
	for _, e := range local {
		s.entries = append(s.entries, e)
		s.byTemp[e.ClientTempID] = e
	}

	s.sortLocked()
	s.notifyLocked()
	return nil
}

// Run holds the feed subscription for the lifetime of the view. Every
// (re)subscribe is followed by a full resync to close whatever gap opened
// while we were offline. Returns when ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context, bridge *feed.Bridge) error {
	for {
		sub, err := bridge.Subscribe(ctx, s.conversationID, s.ApplyEvent)
		if err != nil {
			return err
		}

		if err := s.Resync(ctx); err != nil {
			sub.Close()
			return err
		}

		select {
		case <-ctx.Done():
			sub.Close()
			return ctx.Err()
		case <-sub.Lost():
			sub.Close()
			log.Warn("Feed subscription lost for conversation %s, resyncing", s.conversationID)
		}
	}
}

// backfillNameLocked fills the sender display name from cache, or kicks off
// one async lookup per sender. A failed lookup leaves the placeholder; it
// never affects the message itself.
func (s *Synchronizer) backfillNameLocked(entry *Entry) {
	senderID := entry.Message.SenderID
	if name, ok := s.names[senderID]; ok {
		entry.SenderName = name
		return
	}

	entry.SenderName = placeholderSender
	if s.users == nil || s.lookups[senderID] {
		return
	}
	s.lookups[senderID] = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		user, err := s.users.GetUserByID(ctx, senderID)

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.lookups, senderID)

		if err != nil {
			log.Debug("Sender name lookup for %s failed: %v", senderID, err)
			return
		}

		name := user.DisplayName
		if name == "" {
			name = user.Username
		}
		s.names[senderID] = name

		for _, e := range s.entries {
			if e.Message.SenderID == senderID {
				e.SenderName = name
			}
		}
		s.notifyLocked()
	}()
}
