package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/signalix/chat/internal/http/handlers"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/middleware"
)

// RouterDeps are the handlers and services mounted by NewRouter
type RouterDeps struct {
	Health   *handlers.HealthHandler
	Auth     *handlers.AuthHandler
	Users    *handlers.UsersHandler
	Messages *handlers.MessagesHandler
	Verifier middleware.Verifier
	// Realtime is the websocket gateway mounted at /ws
	Realtime http.Handler
	Metrics  http.Handler
	// MediaDir is served under MediaPath when both are set
	MediaDir  string
	MediaPath string
	Origins   []string
	Log       *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logging.OrNop(d.Log).Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(corsOptions(d.Origins)))

	r.Get("/health", d.Health.ServeHTTP)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", d.Auth.HandleSignup)
		r.Post("/login", d.Auth.HandleLogin)
	})

	requireUser := middleware.AuthMiddleware(d.Verifier)

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/online", d.Users.HandleOnline)
		r.Get("/{id}", d.Users.HandleGetUser)

		// Protected routes (require valid JWT)
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/me", d.Users.HandleMe)
			r.Patch("/me/profile", d.Users.HandleUpdateProfile)
		})
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/conversations", d.Messages.HandleConversations)
		r.Get("/{withUserId}", d.Messages.HandleHistory)
		r.Post("/", d.Messages.HandleCreate)
	})

	// the gateway authenticates the handshake itself
	if d.Realtime != nil {
		r.Handle("/ws", d.Realtime)
	}

	if d.MediaDir != "" && strings.HasPrefix(d.MediaPath, "/") {
		prefix := strings.TrimSuffix(d.MediaPath, "/")
		fs := http.StripPrefix(prefix, http.FileServer(http.Dir(d.MediaDir)))
		r.Handle(prefix+"/*", fs)
	}

	return r
}

func corsOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	for _, o := range origins {
		if o == "*" {
			opts.AllowedOrigins = []string{"*"}
			opts.AllowCredentials = false
		}
	}
	return opts
}
