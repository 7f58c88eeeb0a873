// Package display is the receiving end of the relay: it turns image
// broadcasts into replaced images on a Surface and passes every other
// action through.
package display

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/transfer"
)

// ErrNoTransfer is returned for a legacy chunk whose image-start was never
// seen.
var ErrNoTransfer = errors.New("no chunked transfer in progress")

// DecodeError reports an image payload that could not be decoded.
type DecodeError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Filename, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Meta describes an incoming image independent of how it travelled.
type Meta struct {
	Filename     string
	MimeType     string
	Size         int64
	UploadMethod string
}

// Image is what a Surface is asked to show.
type Image struct {
	Filename string
	MimeType string
	Data     []byte
	Targets  []string
}

// Surface is where replaced images and actions end up.
type Surface interface {
	Apply(img Image) error
	Action(event string, data json.RawMessage)
}

type legacyTransfer struct {
	meta  Meta
	parts *transfer.Reassembler
}

type appliedKey struct {
	filename string
	size     int64
}

// Replacer decodes image payloads and applies them to a Surface.
type Replacer struct {
	surface Surface
	log     *zap.Logger

	mu         sync.Mutex
	bound      map[string][]string
	legacy     map[string]*legacyTransfer
	lastBinary *appliedKey
}

// NewReplacer creates a Replacer writing to s.
func NewReplacer(s Surface, log *zap.Logger) *Replacer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replacer{
		surface: s,
		log:     log,
		bound:   make(map[string][]string),
		legacy:  make(map[string]*legacyTransfer),
	}
}

// Bind makes filename additionally replace target, on top of the pattern
// rules of ResolveTargets.
func (r *Replacer) Bind(filename, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound[filename] = append(r.bound[filename], target)
}

// Targets returns every target filename replaces.
func (r *Replacer) Targets(filename string) []string {
	targets := ResolveTargets(filename)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(targets, r.bound[filename]...)
}

// Action passes a non-image event straight to the surface.
func (r *Replacer) Action(event string, data json.RawMessage) {
	r.surface.Action(event, data)
}

// HandleBinary applies raw image bytes.
func (r *Replacer) HandleBinary(meta Meta, buf []byte) error {
	if err := r.apply(meta, buf); err != nil {
		return err
	}
	if meta.UploadMethod == relay.UploadMethodBinary {
		r.mu.Lock()
		r.lastBinary = &appliedKey{filename: meta.Filename, size: int64(len(buf))}
		r.mu.Unlock()
	}
	return nil
}

// HandleBase64 decodes a Base64 or data URL payload and applies it. The
// Base64 copy of an image that was just applied from its binary form is
// skipped.
func (r *Replacer) HandleBase64(meta Meta, payload string) error {
	if r.isEcho(meta) {
		r.log.Debug("skipping base64 copy of binary image", zap.String("filename", meta.Filename))
		return nil
	}
	buf, err := DecodeBase64(payload)
	if err != nil {
		return &DecodeError{Filename: meta.Filename, Reason: "invalid base64", Err: err}
	}
	return r.apply(meta, buf)
}

func (r *Replacer) isEcho(meta Meta) bool {
	if meta.UploadMethod != relay.UploadMethodBinary {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastBinary == nil || r.lastBinary.filename != meta.Filename || r.lastBinary.size != meta.Size {
		return false
	}
	r.lastBinary = nil
	return true
}

func (r *Replacer) apply(meta Meta, buf []byte) error {
	if !transfer.Supported(meta.MimeType) {
		return fmt.Errorf("%s: %w: %s", meta.Filename, transfer.ErrUnsupportedType, meta.MimeType)
	}
	targets := r.Targets(meta.Filename)
	if len(targets) == 0 {
		r.log.Info("no target for image", zap.String("filename", meta.Filename))
		return nil
	}
	img := Image{
		Filename: meta.Filename,
		MimeType: meta.MimeType,
		Data:     buf,
		Targets:  targets,
	}
	if err := r.surface.Apply(img); err != nil {
		return fmt.Errorf("apply %s: %w", meta.Filename, err)
	}
	r.log.Info("image replaced",
		zap.String("filename", meta.Filename),
		zap.Strings("targets", targets),
		zap.Int("bytes", len(buf)),
	)
	return nil
}

// StartChunkedReceive begins a legacy Base64-chunk transfer. A second start
// for the same filename discards the first.
func (r *Replacer) StartChunkedReceive(meta Meta, totalChunks int) error {
	if totalChunks < 1 || totalChunks > transfer.DefaultLimits.MaxChunks {
		return fmt.Errorf("%w: totalChunks %d", transfer.ErrInvalidMetadata, totalChunks)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacy[meta.Filename] = &legacyTransfer{meta: meta, parts: transfer.NewReassembler(totalChunks)}
	return nil
}

// ReceiveChunk stores one Base64 fragment at its index.
func (r *Replacer) ReceiveChunk(filename string, index int, fragment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lt, ok := r.legacy[filename]
	if !ok {
		return fmt.Errorf("%s: %w", filename, ErrNoTransfer)
	}
	if _, err := lt.parts.Put(index, []byte(fragment)); err != nil {
		return err
	}
	if lt.parts.Size() > transfer.MaxDirectSize*4/3+4 {
		delete(r.legacy, filename)
		return fmt.Errorf("%s: %w", filename, transfer.ErrTooLarge)
	}
	return nil
}

// CompleteChunkedReceive joins the fragments in index order and applies the
// result. Missing fragments leave the transfer in place.
func (r *Replacer) CompleteChunkedReceive(filename string) error {
	r.mu.Lock()
	lt, ok := r.legacy[filename]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", filename, ErrNoTransfer)
	}
	joined, err := lt.parts.Bytes()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.legacy, filename)
	r.mu.Unlock()

	return r.HandleBase64(lt.meta, string(joined))
}

// DecodeBase64 strips an optional data URL prefix, drops everything outside
// the Base64 alphabet, repairs the trailing padding and decodes. Padding
// anywhere but the end is an error.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	clean := strings.Map(func(c rune) rune {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
			return c
		}
		return -1
	}, s)
	clean = strings.TrimRight(clean, "=")

	switch len(clean) % 4 {
	case 1:
		clean = clean[:len(clean)-1]
	case 2:
		clean += "=="
	case 3:
		clean += "="
	}
	if clean == "" {
		return nil, errors.New("empty payload")
	}
	return base64.StdEncoding.DecodeString(clean)
}
