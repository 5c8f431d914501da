// Package engine dispatches loop packets and archive records to the services
// bound to them.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacaudi/wunderground_like/internal/packet"
)

// EventType identifies what happened.
type EventType int

const (
	// NewLoopPacket fires for every live reading.
	NewLoopPacket EventType = iota + 1
	// NewArchiveRecord fires once an archive record has been stored.
	NewArchiveRecord
)

func (t EventType) String() string {
	switch t {
	case NewLoopPacket:
		return "NEW_LOOP_PACKET"
	case NewArchiveRecord:
		return "NEW_ARCHIVE_RECORD"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event carries a loop packet or an archive record, depending on Type.
type Event struct {
	Type   EventType
	Packet packet.Packet
	Record packet.Packet
}

// Handler is called synchronously for every event of the type it is bound to.
type Handler func(Event)

// Bus fans events out to bound handlers in bind order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus returns a bus with no handlers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Bind registers h for events of type t.
func (b *Bus) Bind(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// bound returns the number of handlers registered for t.
func (b *Bus) bound(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Dispatch calls every handler bound to e.Type.
func (b *Bus) Dispatch(e Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}

// RecordStore persists archive records before they are announced.
type RecordStore interface {
	AddRecord(ctx context.Context, rec packet.Packet) error
}

// Engine turns incoming packets into events.
type Engine struct {
	*Bus
	store RecordStore
}

// New returns an engine dispatching on bus. store may be nil.
func New(bus *Bus, store RecordStore) *Engine {
	if bus == nil {
		bus = NewBus()
	}
	return &Engine{Bus: bus, store: store}
}

// PostLoop announces a live packet.
func (e *Engine) PostLoop(p packet.Packet) {
	e.Dispatch(Event{Type: NewLoopPacket, Packet: p})
}

// PostArchive stores rec and then announces it. A record that cannot be
// stored is not announced.
func (e *Engine) PostArchive(ctx context.Context, rec packet.Packet) error {
	if e.store != nil {
		if err := e.store.AddRecord(ctx, rec); err != nil {
			return fmt.Errorf("store archive record: %w", err)
		}
	}
	e.Dispatch(Event{Type: NewArchiveRecord, Record: rec})
	return nil
}
