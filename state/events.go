package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/storage"
)

const (
	eventPrefix     = "events/"
	eventCounterKey = "events/counter"
)

// StoredEvent is a sequenced event log entry. The log is the externally
// durable audit trail of the ledger.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventLog persists emitted ledger events with monotonic sequence numbers. It
// satisfies events.Emitter so it can be plugged straight into the engine.
type EventLog struct {
	mu sync.Mutex
	db storage.Database
}

// NewEventLog wraps the supplied database.
func NewEventLog(db storage.Database) *EventLog {
	return &EventLog{db: db}
}

type payloadCarrier interface {
	Event() *types.Event
}

// Emit appends the event to the durable log. Write failures are swallowed: the
// ledger transition has already committed and the log is an observer, not a
// participant.
func (l *EventLog) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	carrier, ok := evt.(payloadCarrier)
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.counter()
	if err != nil {
		return
	}
	stored := StoredEvent{Sequence: seq, Type: payload.Type, Attributes: payload.Attributes}
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := l.db.Put(eventKey(seq), raw); err != nil {
		return
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq+1)
	_ = l.db.Put([]byte(eventCounterKey), buf)
}

// List returns up to limit events whose type matches the optional prefix,
// newest first.
func (l *EventLog) List(prefix string, limit int) ([]StoredEvent, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := l.counter()
	if err != nil {
		return nil, err
	}
	matched := make([]StoredEvent, 0, limit)
	for seq := next; seq > 0 && len(matched) < limit; seq-- {
		raw, err := l.db.Get(eventKey(seq - 1))
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var stored StoredEvent
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, err
		}
		if prefix != "" && !strings.HasPrefix(stored.Type, prefix) {
			continue
		}
		matched = append(matched, stored)
	}
	return matched, nil
}

func (l *EventLog) counter() (uint64, error) {
	raw, err := l.db.Get([]byte(eventCounterKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.New("state: malformed event counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}
