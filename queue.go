package invoicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationKind names the queued operation.
type MutationKind string

const (
	MutationAdd     MutationKind = "add"
	MutationUpdate  MutationKind = "update"
	MutationDelete  MutationKind = "delete"
	MutationPayment MutationKind = "payment"
)

// ErrUnknownMutation is returned when a persisted queue item has an unrecognised kind
// or is missing the payload its kind requires.
var ErrUnknownMutation = errors.New("unknown mutation")

// QueueItem is one pending remote operation. Exactly the fields for Kind are set:
//
//	add:     Record
//	update:  Key, Fields, Base
//	delete:  Key
//	payment: Key, Payment, Base
//
// Base is the snapshot taken when the item was enqueued; replay re-creates the
// entity from it if the server reports the key missing.
type QueueItem[T Record] struct {
	ID         string       `json:"id"`
	Kind       MutationKind `json:"kind"`
	Key        string       `json:"key"`
	Record     *T           `json:"record,omitempty"`
	Fields     Fields       `json:"fields,omitempty"`
	Payment    *Payment     `json:"payment,omitempty"`
	Base       *T           `json:"base,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

func (it QueueItem[T]) validate() error {
	switch it.Kind {
	case MutationAdd:
		if it.Record == nil {
			return fmt.Errorf("%w: add %s without record", ErrUnknownMutation, it.ID)
		}
	case MutationUpdate:
		if it.Base == nil {
			return fmt.Errorf("%w: update %s without base snapshot", ErrUnknownMutation, it.ID)
		}
	case MutationDelete:
	case MutationPayment:
		if it.Payment == nil || it.Base == nil {
			return fmt.Errorf("%w: payment %s without payment or base snapshot", ErrUnknownMutation, it.ID)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownMutation, it.Kind)
	}
	if it.Key == "" {
		return fmt.Errorf("%w: %s %s without key", ErrUnknownMutation, it.Kind, it.ID)
	}
	return nil
}

func newItemID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// mutationQueue is an ordered, persisted list of QueueItems. It is not
// goroutine-safe; the owning controller serializes access.
type mutationQueue[T Record] struct {
	store Store
	key   string
	items []QueueItem[T]
}

func newMutationQueue[T Record](store Store, key string) *mutationQueue[T] {
	return &mutationQueue[T]{store: store, key: key}
}

// load replaces the in-memory queue with the persisted one.
func (q *mutationQueue[T]) load(ctx context.Context) error {
	data, err := q.store.Get(ctx, q.key)
	if errors.Is(err, ErrStoreKeyNotFound) {
		q.items = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", q.key, err)
	}
	items, err := decodeQueue[T](data)
	if err != nil {
		return fmt.Errorf("load %s: %w", q.key, err)
	}
	q.items = items
	return nil
}

func decodeQueue[T Record](data []byte) ([]QueueItem[T], error) {
	var items []QueueItem[T]
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	for _, it := range items {
		if err := it.validate(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// persist writes the full queue back to the store.
func (q *mutationQueue[T]) persist(ctx context.Context) error {
	if len(q.items) == 0 {
		if err := q.store.Remove(ctx, q.key); err != nil {
			return fmt.Errorf("persist %s: %w", q.key, err)
		}
		return nil
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return fmt.Errorf("persist %s: %w", q.key, err)
	}
	return nil
}

// push appends the item and persists.
func (q *mutationQueue[T]) push(ctx context.Context, it QueueItem[T]) error {
	if it.ID == "" {
		it.ID = newItemID()
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now().UTC()
	}
	if err := it.validate(); err != nil {
		return err
	}
	q.items = append(q.items, it)
	return q.persist(ctx)
}

// remove drops the item with the given id and persists. Unknown ids are a no-op.
func (q *mutationQueue[T]) remove(ctx context.Context, id string) error {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return q.persist(ctx)
		}
	}
	return nil
}

func (q *mutationQueue[T]) snapshot() []QueueItem[T] {
	return append([]QueueItem[T](nil), q.items...)
}

func (q *mutationQueue[T]) size() int { return len(q.items) }
