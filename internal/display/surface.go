package display

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Applied records one image written by a DirSurface.
type Applied struct {
	Target   string
	Filename string
	Path     string
	Size     int
	At       time.Time
}

// Action records one non-image event seen by a DirSurface.
type Action struct {
	Event string
	Data  json.RawMessage
	At    time.Time
}

// DirSurface is a headless Surface: each replaced target is written to
// <dir>/<target>.<ext>.
type DirSurface struct {
	dir string
	log *zap.Logger

	mu      sync.Mutex
	applied []Applied
	actions []Action
}

// NewDirSurface creates dir if needed.
func NewDirSurface(dir string, log *zap.Logger) (*DirSurface, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DirSurface{dir: dir, log: log}, nil
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Apply writes img once per target, replacing any previous file atomically.
func (s *DirSurface) Apply(img Image) error {
	ext, ok := extensions[img.MimeType]
	if !ok {
		ext = strings.ToLower(filepath.Ext(img.Filename))
	}
	for _, target := range img.Targets {
		path := filepath.Join(s.dir, target+ext)
		if err := writeFileAtomic(path, img.Data); err != nil {
			return err
		}
		s.mu.Lock()
		s.applied = append(s.applied, Applied{
			Target:   target,
			Filename: img.Filename,
			Path:     path,
			Size:     len(img.Data),
			At:       time.Now(),
		})
		s.mu.Unlock()
	}
	return nil
}

// Action records the event and logs it.
func (s *DirSurface) Action(event string, data json.RawMessage) {
	s.mu.Lock()
	s.actions = append(s.actions, Action{Event: event, Data: data, At: time.Now()})
	s.mu.Unlock()
	s.log.Info("action", zap.String("event", event), zap.ByteString("data", data))
}

// Applied returns a copy of the images written so far.
func (s *DirSurface) Applied() []Applied {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Applied(nil), s.applied...)
}

// Actions returns a copy of the actions seen so far.
func (s *DirSurface) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.actions...)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
