// Package media stores uploaded images on local disk and describes them the
// way a hosted media service would: public URL, storage id, size and dimensions.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/signalix/chat/internal/model"
)

var (
	ErrTooLarge    = errors.New("image too large")
	ErrUnsupported = errors.New("unsupported image type")
	ErrEmpty       = errors.New("empty upload")
)

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// Store writes images under dir and exposes them under baseURL
type Store struct {
	dir      string
	baseURL  string
	maxBytes int64
}

func NewStore(dir, baseURL string, maxBytes int64) *Store {
	return &Store{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// Dir is the root the files are written to, served by the HTTP layer
func (s *Store) Dir() string { return s.dir }

// MaxBytes is the upload limit
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Put validates and stores one image. folder groups uploads ("chat", "avatars").
func (s *Store) Put(ctx context.Context, data []byte, folder string) (model.Image, error) {
	if len(data) == 0 {
		return model.Image{}, ErrEmpty
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return model.Image{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxBytes)
	}
	if !folderPattern.MatchString(folder) {
		return model.Image{}, fmt.Errorf("invalid folder %q", folder)
	}

	contentType := http.DetectContentType(data)
	ext, ok := extensions[contentType]
	if !ok {
		return model.Image{}, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.Image{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	if err := ctx.Err(); err != nil {
		return model.Image{}, err
	}

	id := uuid.NewString()
	name := id + "." + ext
	target := filepath.Join(s.dir, folder, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return model.Image{}, fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return model.Image{}, fmt.Errorf("write image: %w", err)
	}

	return model.Image{
		URL:       s.baseURL + "/" + path.Join(folder, name),
		StorageID: path.Join(folder, id),
		Bytes:     int64(len(data)),
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
	}, nil
}
