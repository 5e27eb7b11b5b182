package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/logging"
)

const defaultSendBuffer = 64

// Hub owns the live connections and the broadcast groups they joined
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	groups     map[string]map[string]*Conn
	sendBuffer int
	log        *zap.Logger
	closed     bool
}

// NewHub creates an empty hub. sendBuffer is the per-connection outbound queue length.
func NewHub(sendBuffer int, log *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		conns:      make(map[string]*Conn),
		groups:     make(map[string]map[string]*Conn),
		sendBuffer: sendBuffer,
		log:        logging.OrNop(log),
	}
}

// Attach wraps a transport in a Conn, starts its writer and makes it addressable.
// After Close the returned Conn is already closed and never addressable.
func (h *Hub) Attach(t Transport, identity uuid.UUID) *Conn {
	c := newConn(t, identity, h.sendBuffer, h.log)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return c
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	return c
}

// Detach removes the connection from the hub and every group, then closes it
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for _, g := range c.groupList() {
		h.leaveLocked(c, g)
	}
	h.mu.Unlock()

	c.Close()
}

// Join adds the connection to a broadcast group
func (h *Hub) Join(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("join %q: %w", group, ErrConnectionGone)
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[group] = members
	}
	members[connID] = c
	c.addGroup(group)
	return nil
}

// Leave removes the connection from a broadcast group
func (h *Hub) Leave(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[connID]; ok {
		h.leaveLocked(c, group)
	}
}

func (h *Hub) leaveLocked(c *Conn, group string) {
	members := h.groups[group]
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.groups, group)
	}
	c.removeGroup(group)
}

// Count returns the number of attached connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// PushTo queues one event on one connection
func (h *Hub) PushTo(connID, name string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push %s to %s: %w", name, connID, ErrConnectionGone)
	}

	frame, err := event.Encode(name, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := c.enqueue(frame); err != nil {
		return fmt.Errorf("push %s to %s: %w", name, connID, err)
	}
	return nil
}

// PushToGroup queues the event on every member of the group.
// It returns how many members accepted it and the combined member failures.
func (h *Hub) PushToGroup(group, name string, payload any) (int, error) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.groups[group]))
	for _, c := range h.groups[group] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	return fanOut(members, name, payload)
}

// Broadcast queues the event on every attached connection
func (h *Hub) Broadcast(name string, payload any) (int, error) {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	return fanOut(all, name, payload)
}

// Close closes every connection and refuses later attaches, used on shutdown
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

func fanOut(targets []*Conn, name string, payload any) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	frame, err := event.Encode(name, payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", name, err)
	}

	var errs error
	sent := 0
	for _, c := range targets {
		if err := c.enqueue(frame); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("conn %s: %w", c.id, err))
			continue
		}
		sent++
	}
	return sent, errs
}
