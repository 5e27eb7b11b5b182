// Package session runs one realtime connection from handshake to close.
//
// The gateway authenticates the credential before upgrading, so a rejected
// client never touches presence. A session then registers itself, announces
// the user, and dispatches inbound frames strictly in arrival order.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/auth"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/metrics"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/presence"
	"github.com/signalix/chat/internal/realtime"
	"github.com/signalix/chat/internal/relay"
	"github.com/signalix/chat/internal/signaling"
)

// Verifier resolves the handshake credential; auth.Verifier implements it
type Verifier interface {
	Verify(ctx context.Context, credential string) (model.User, error)
}

// StatusStore mirrors aggregate online state onto the user row
type StatusStore interface {
	SetStatus(ctx context.Context, id uuid.UUID, status string, lastSeen *time.Time) error
}

// Deps are the process-wide collaborators shared by every session
type Deps struct {
	Verifier Verifier
	Hub      *realtime.Hub
	Registry *presence.Registry
	Journal  presence.Journal
	Users    StatusStore
	Relay    *relay.Engine
	Calls    *signaling.Coordinator
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Gateway is the http.Handler behind GET /ws
type Gateway struct {
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

// NewGateway builds the realtime endpoint. Browser origins must be listed in
// allowedOrigins ("*" allows any); requests without an Origin header are accepted.
func NewGateway(deps Deps, allowedOrigins []string) *Gateway {
	g := &Gateway{
		deps: deps,
		log:  logging.OrNop(deps.Log).Named("session"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	deps.Metrics.TrackConnections(deps.Hub.Count)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := strings.TrimSpace(r.URL.Query().Get("token"))
	if credential == "" {
		credential, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}

	user, err := g.deps.Verifier.Verify(r.Context(), credential)
	if err != nil {
		g.log.Debug("rejected realtime handshake", zap.String("remote", r.RemoteAddr), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	// counted before the upgrade so Shutdown either refuses or waits for it
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "shutting down"})
		return
	}
	g.active.Add(1)
	g.mu.Unlock()
	defer g.active.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := newSession(g.deps, g.log, ws, user)
	s.Run(r.Context())
}

// Shutdown refuses new handshakes, closes every live connection and waits for
// their sessions to finish their close path, or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.deps.Hub.Close()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(o)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if _, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
