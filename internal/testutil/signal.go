package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
)

var (
	ErrQueueFull = errors.New("fake queue full")
	ErrConnGone  = errors.New("fake connection closed")
)

// Delivery is one frame as it reached a client.
type Delivery struct {
	To    string
	Type  string
	ID    *int64
	Data  json.RawMessage
	Frame core.Frame
}

// Wire is a global, ordered log of deliveries across every fake connection.
type Wire struct {
	mu  sync.Mutex
	log []Delivery
}

func (w *Wire) record(to string, f core.Frame) {
	var env core.Envelope
	_ = json.Unmarshal(f, &env)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log = append(w.log, Delivery{To: to, Type: env.Type, ID: env.ID, Data: env.Data, Frame: f})
}

func (w *Wire) Log() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Delivery, len(w.log))
	copy(out, w.log)
	return out
}

// Index returns the position of the first delivery matching pred, or -1.
func (w *Wire) Index(pred func(Delivery) bool) int {
	for i, d := range w.Log() {
		if pred(d) {
			return i
		}
	}
	return -1
}

// Conn is a signal connection that delivers straight into a Wire. Synchronous sends can be
// held back with Hold to reorder them against other traffic.
type Conn struct {
	Name string
	wire *Wire

	mu     sync.Mutex
	full   bool
	closed bool
	gate   chan struct{}
}

var _ core.SignalConnection = (*Conn)(nil)

func NewConn(name string, wire *Wire) *Conn {
	return &Conn{Name: name, wire: wire}
}

// SetFull makes TrySend report back-pressure.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

// Hold blocks SendSync until the returned release func is called.
func (c *Conn) Hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnGone
	}
	if c.full {
		return ErrQueueFull
	}
	c.wire.record(c.Name, f)
	return nil
}

func (c *Conn) SendSync(ctx context.Context, f core.Frame) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnGone
	}
	c.wire.record(c.Name, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
