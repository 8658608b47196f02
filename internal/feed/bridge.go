package feed

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/logger"
)

var (
	// ErrSubscriptionLost is reported through Subscription.Lost when the
	// transport drops. The feed offers no replay, so the owner must refetch
	// the conversation to close the gap.
	ErrSubscriptionLost = errors.New("feed subscription lost")

	log = logger.New("feed")
)

// Topic returns the transport topic for a conversation's change feed.
func Topic(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

// Transport is the push channel collaborator. Implementations deliver raw
// payloads for a topic and call lost exactly once if the channel drops for
// any reason other than Close.
type Transport interface {
	Subscribe(ctx context.Context, topic string, deliver func(payload []byte), lost func(err error)) (io.Closer, error)
}

// Publisher pushes canonical events into a conversation's topic.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, ev Event) error
}

// Bridge turns raw transport payloads into canonical events. One Bridge is
// shared; each open conversation view holds exactly one Subscription.
type Bridge struct {
	transport Transport
}

func NewBridge(transport Transport) *Bridge {
	return &Bridge{transport: transport}
}

// Subscription is a live feed of one conversation. Close tears down the
// transport side; re-subscribing per render instead of holding one handle per
// open view leaks transport connections.
type Subscription struct {
	ConversationID uuid.UUID

	closer    io.Closer
	lost      chan error
	closeOnce sync.Once
	closeErr  error
}

// Lost fires at most once, when the transport drops out from under the
// subscription.
func (s *Subscription) Lost() <-chan error {
	return s.lost
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closer.Close()
	})
	return s.closeErr
}

// Subscribe opens the conversation's feed and invokes onEvent for every
// normalized event. Payloads that fail normalization or belong to another
// conversation are dropped with a warning; the feed promises no ordering, so
// ordering is the subscriber's problem.
func (b *Bridge) Subscribe(ctx context.Context, conversationID uuid.UUID, onEvent func(Event)) (*Subscription, error) {
	sub := &Subscription{
		ConversationID: conversationID,
		lost:           make(chan error, 1),
	}

	deliver := func(payload []byte) {
		ev, err := Normalize(payload)
		if err != nil {
			log.Warn("Dropping feed payload for %s: %v", conversationID, err)
			return
		}
		if ev.Message.ConversationID != conversationID {
			log.Warn("Dropping stray feed event: conversation %s on topic for %s",
				ev.Message.ConversationID, conversationID)
			return
		}
		onEvent(ev)
	}

	lost := func(err error) {
		select {
		case sub.lost <- err:
		default:
		}
	}

	closer, err := b.transport.Subscribe(ctx, Topic(conversationID), deliver, lost)
	if err != nil {
		return nil, err
	}
	sub.closer = closer

	log.Debug("Subscribed to feed for conversation %s", conversationID)
	return sub, nil
}
