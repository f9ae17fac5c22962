// Package audit keeps a tamper-evident, append-only event chain per
// resource.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lexline/internal/domain"
)

var (
	// ErrNotFound means the resource has no audit events.
	ErrNotFound = errors.New("audit trail not found")
	// ErrInvalidEntry rejects entries missing an event type or resource.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrConflict is returned by stores when a sequence number is taken.
	ErrConflict = errors.New("audit sequence conflict")
)

// IntegrityError reports the first position at which a chain no longer
// matches its recorded hashes.
type IntegrityError struct {
	ResourceID string
	Position   int64
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain for %s broken at position %d: %s", e.ResourceID, e.Position, e.Reason)
}

// Store persists audit events. Range returns events ordered by Seq.
type Store interface {
	Head(ctx context.Context, resourceID string) (domain.AuditEvent, bool, error)
	Insert(ctx context.Context, evt domain.AuditEvent) error
	Range(ctx context.Context, resourceID string) ([]domain.AuditEvent, error)
}

type Entry struct {
	EventType  string
	ResourceID string
	ActorID    string
	Details    map[string]any
}

// Chain serializes appends per resource. Appends to different resources do
// not contend.
type Chain struct {
	Store Store
	Now   func() time.Time

	locks keyedMutex
}

func NewChain(store Store) *Chain {
	return &Chain{Store: store, Now: time.Now}
}

func (c *Chain) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Append links a new event to the resource's chain and returns its 1-based
// position.
func (c *Chain) Append(ctx context.Context, e Entry) (int64, error) {
	if e.EventType == "" || e.ResourceID == "" {
		return 0, fmt.Errorf("%w: event type and resource id are required", ErrInvalidEntry)
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal audit details: %w", err)
	}

	unlock := c.locks.lock(e.ResourceID)
	defer unlock()

	head, ok, err := c.Store.Head(ctx, e.ResourceID)
	if err != nil {
		return 0, fmt.Errorf("read audit head: %w", err)
	}
	evt := domain.AuditEvent{
		Seq:        1,
		EventType:  e.EventType,
		ResourceID: e.ResourceID,
		ActorID:    e.ActorID,
		Timestamp:  c.now().UTC().Format(time.RFC3339Nano),
		Details:    string(raw),
	}
	prev := ""
	if ok {
		evt.Seq = head.Seq + 1
		prev = head.ChainHash
	}
	evt.ContentHash = ContentHash(evt)
	evt.ChainHash = ChainHash(prev, evt.ContentHash)
	if err := c.Store.Insert(ctx, evt); err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return evt.Seq, nil
}

// Verify recomputes the chain from its first event. It returns ErrNotFound
// for an unknown resource and *IntegrityError when any event was altered,
// removed or reordered.
func (c *Chain) Verify(ctx context.Context, resourceID string) error {
	events, err := c.Store.Range(ctx, resourceID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return ErrNotFound
	}
	_, err = verifyEvents(resourceID, events)
	return err
}

func verifyEvents(resourceID string, events []domain.AuditEvent) (string, error) {
	prev := ""
	for i, evt := range events {
		pos := int64(i + 1)
		broken := func(reason string) error {
			return &IntegrityError{ResourceID: resourceID, Position: pos, Reason: reason}
		}
		if evt.Seq != pos {
			return "", broken(fmt.Sprintf("expected sequence %d, found %d", pos, evt.Seq))
		}
		if evt.ResourceID != resourceID {
			return "", broken("event belongs to " + evt.ResourceID)
		}
		content := ContentHash(evt)
		if content != evt.ContentHash {
			return "", broken("content hash mismatch")
		}
		chain := ChainHash(prev, content)
		if chain != evt.ChainHash {
			return "", broken("chain hash mismatch")
		}
		prev = chain
	}
	return prev, nil
}

// Window bounds a trail by event timestamp; zero values are open ends.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) contains(ts string) bool {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false
	}
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

type Trail struct {
	ResourceID   string              `json:"resource_id"`
	Events       []domain.AuditEvent `json:"events"`
	Length       int64               `json:"length"`
	TerminalHash string              `json:"terminal_hash"`
}

// Trail returns the resource's events inside w, in order, with the hash of
// the whole chain's last event.
func (c *Chain) Trail(ctx context.Context, resourceID string, w Window) (Trail, error) {
	events, err := c.Store.Range(ctx, resourceID)
	if err != nil {
		return Trail{}, err
	}
	if len(events) == 0 {
		return Trail{}, ErrNotFound
	}
	t := Trail{
		ResourceID:   resourceID,
		Events:       []domain.AuditEvent{},
		Length:       int64(len(events)),
		TerminalHash: events[len(events)-1].ChainHash,
	}
	for _, evt := range events {
		if w.contains(evt.Timestamp) {
			t.Events = append(t.Events, evt)
		}
	}
	return t, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
