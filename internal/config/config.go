package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported values for DATABASE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL    string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseDriver string        `env:"DATABASE_DRIVER" envDefault:"postgres"`
	Port           string        `env:"PORT" envDefault:"8080"`
	JWTSecret      string        `env:"JWT_SECRET,required,notEmpty"`
	TokenTTL       time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
	ClientURLs     []string      `env:"CLIENT_URLS" envSeparator:","`
	ClientURL      string        `env:"CLIENT_URL"`
	MediaDir       string        `env:"MEDIA_DIR" envDefault:"./media"`
	MediaBaseURL   string        `env:"MEDIA_BASE_URL" envDefault:"/media"`
	MaxImageMB     int           `env:"MAX_CHAT_IMAGE_MB" envDefault:"5"`
	HistoryLimit   int           `env:"HISTORY_LIMIT" envDefault:"50"`
	SendBuffer     int           `env:"SEND_BUFFER" envDefault:"64"`
	DevMode        bool          `env:"DEV_MODE"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		logDatabaseTarget(cfg.DatabaseURL)
	case DriverSQLite:
		log.Printf("DB connect: sqlite file=%s", cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver)
	}

	if cfg.ClientURL != "" {
		cfg.ClientURLs = append(cfg.ClientURLs, cfg.ClientURL)
	}
	cfg.ClientURLs = cleanOrigins(cfg.ClientURLs)

	if cfg.MaxImageMB <= 0 {
		return nil, fmt.Errorf("MAX_CHAT_IMAGE_MB must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	return cfg, nil
}

// MaxImageBytes is the upload limit for chat images and avatars
func (c *Config) MaxImageBytes() int64 {
	return int64(c.MaxImageMB) * 1024 * 1024
}

// logDatabaseTarget logs connection details with the password masked
func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, dbName, user)
}

func cleanOrigins(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
