// Package bus layers publish/subscribe on top of one cluster's ledger.
// Publish persists the record first and only then fans it out, so a
// subscriber can always re-read what it was just handed. Subscriptions
// are in-process and not durable: crash recovery comes from the ledger,
// not from the bus.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/metrics"
	"github.com/ensemblekit/ensemble/pkg/models"
)

// Handler receives one published message. Handlers run synchronously on
// the publish path and must be short-running; anything long dispatches
// to the agent's own execution slot.
type Handler func(msg models.Message)

// PublishRequest is the input to Publish. Receiver defaults to
// broadcast; ClusterID, ID, Seq, and Timestamp are filled by the bus
// and ledger.
type PublishRequest struct {
	Topic    string
	Sender   string
	Receiver string
	Content  models.Content
	Metadata map[string]any
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus is the message bus of one cluster.
type Bus struct {
	store  *ledger.Store
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscription
}

// New creates a bus over the given ledger store.
func New(store *ledger.Store) *Bus {
	return &Bus{
		store:  store,
		logger: slog.With("component", "bus", "cluster_id", store.ClusterID()),
	}
}

// Publish appends the message to the ledger and then notifies matching
// subscribers in subscription order. The returned record carries the
// assigned id, seq, and timestamp.
func (b *Bus) Publish(ctx context.Context, req PublishRequest) (models.Message, error) {
	msg, err := b.store.Append(ctx, buildMessage(req))
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to publish %s: %w", req.Topic, err)
	}
	metrics.MessagesPublished.Inc()
	b.Dispatch(msg)
	return msg, nil
}

// Dispatch fans an already-appended record out to subscribers. Publish
// calls it internally; the orchestrator also calls it directly for
// records it appended in a batch (cluster operations), where the fan-out
// must happen only after the whole batch committed.
func (b *Bus) Dispatch(msg models.Message) {
	// Snapshot under the lock, invoke outside it: a handler may
	// subscribe or unsubscribe while running.
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == msg.Topic || sub.topic == AllTopics {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(msg)
	}
}

// AllTopics subscribes to every published message; log streaming uses
// it as a firehose.
const AllTopics = ""

// SubscribeTopic registers a handler for one topic (or AllTopics) and
// returns its unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) SubscribeTopic(topic string, fn Handler) func() {
	sub := subscription{id: uuid.New().String(), topic: topic, handler: fn}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.logger.Debug("Subscribed", "topic", topic, "subscription_id", sub.id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Query passes through to the ledger.
func (b *Bus) Query(ctx context.Context, f ledger.Filter) ([]models.Message, error) {
	return b.store.Query(ctx, f)
}

// FindLast passes through to the ledger.
func (b *Bus) FindLast(ctx context.Context, f ledger.Filter) (*models.Message, error) {
	return b.store.FindLast(ctx, f)
}

// Count passes through to the ledger.
func (b *Bus) Count(ctx context.Context, f ledger.Filter) (int, error) {
	return b.store.Count(ctx, f)
}

// Ledger exposes the underlying store for batch appends.
func (b *Bus) Ledger() *ledger.Store {
	return b.store
}

func buildMessage(req PublishRequest) models.Message {
	receiver := req.Receiver
	if receiver == "" {
		receiver = models.ReceiverBroadcast
	}
	return models.Message{
		Topic:    req.Topic,
		Sender:   req.Sender,
		Receiver: receiver,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
}
