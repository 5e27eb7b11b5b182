package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// MaxFrameBytes bounds a single inbound frame; images travel by URL, never inline
	MaxFrameBytes = 256 * 1024
)

var (
	// ErrConnectionGone is returned when pushing to a closed or unknown connection
	ErrConnectionGone = errors.New("connection gone")
	// ErrSlowConsumer is returned when a connection's send queue is full; the connection is closed
	ErrSlowConsumer = errors.New("send queue full")
)

// Transport is the write side of one websocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live realtime connection. Frames are queued and written by a
// single goroutine, so a connection observes frames in the order they were queued.
type Conn struct {
	id       string
	identity uuid.UUID
	t        Transport
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	log      *zap.Logger

	groupsMu sync.Mutex
	groups   map[string]struct{}
}

func newConn(t Transport, identity uuid.UUID, buffer int, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		identity: identity,
		t:        t,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		log:      log.With(zap.String("conn_id", id), zap.String("user_id", identity.String())),
		groups:   make(map[string]struct{}),
	}
}

// ID is the connection id handed to clients as connectionId
func (c *Conn) ID() string { return c.id }

// Identity is the authenticated user behind the connection
func (c *Conn) Identity() uuid.UUID { return c.identity }

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionGone
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionGone
	default:
		c.log.Warn("send queue full, closing connection")
		c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the transport. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.t.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.t.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.t.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// PrepareReader applies the read limit and keepalive deadlines to a gorilla connection
func PrepareReader(ws *websocket.Conn) {
	ws.SetReadLimit(MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ExtendReadDeadline is called after every inbound frame
func ExtendReadDeadline(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Conn) addGroup(g string) {
	c.groupsMu.Lock()
	c.groups[g] = struct{}{}
	c.groupsMu.Unlock()
}

func (c *Conn) removeGroup(g string) {
	c.groupsMu.Lock()
	delete(c.groups, g)
	c.groupsMu.Unlock()
}

func (c *Conn) groupList() []string {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}
