package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outaqua/aquarium/internal/chunk"
)

// State is a Sender's position in the upload state machine.
type State int

const (
	StateIdle State = iota
	StateMetadataSent
	StateChunkInFlight
	StateChunkAcked
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMetadataSent:
		return "metadata-sent"
	case StateChunkInFlight:
		return "chunk-in-flight"
	case StateChunkAcked:
		return "chunk-acked"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultThrottle is the pause between an ack and the next chunk.
const DefaultThrottle = 50 * time.Millisecond

// Emitter carries sender output to the relay.
type Emitter interface {
	SendMetadata(Metadata) error
	SendChunk(frame []byte) error
}

// File is the source of an upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// SendProgress is reported after each chunk send, not after each ack.
type SendProgress struct {
	SessionID string
	Filename  string
	Sent      int
	Total     int
	Percent   float64
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithChunkSize overrides chunk.DefaultSize.
func WithChunkSize(n int) SenderOption {
	return func(s *Sender) { s.chunkSize = n }
}

// WithThrottle overrides DefaultThrottle. Zero sends the next chunk as soon
// as the previous one is acked.
func WithThrottle(d time.Duration) SenderOption {
	return func(s *Sender) { s.throttle = d }
}

// WithMaxSize overrides MaxBinarySize.
func WithMaxSize(n int64) SenderOption {
	return func(s *Sender) { s.maxSize = n }
}

// WithSessionID fixes the session ID instead of generating one.
func WithSessionID(id string) SenderOption {
	return func(s *Sender) { s.meta.SessionID = id }
}

// WithDelimitedFrames makes the sender emit "|||" delimited frames instead
// of length-prefixed ones.
func WithDelimitedFrames() SenderOption {
	return func(s *Sender) { s.pack = chunk.PackDelimited }
}

// WithProgress registers a callback invoked after every chunk send.
func WithProgress(fn func(SendProgress)) SenderOption {
	return func(s *Sender) { s.progress = fn }
}

// Sender drives one upload with a single chunk in flight at a time. Acks
// arrive on another goroutine via OnAck.
type Sender struct {
	emit      Emitter
	chunkSize int
	throttle  time.Duration
	maxSize   int64
	pack      func(chunk.Header, []byte) ([]byte, error)
	progress  func(SendProgress)

	mu         sync.Mutex
	state      State
	meta       Metadata
	chunks     [][]byte
	current    int
	pendingAck bool
	acked      []bool
	timer      *time.Timer
	err        error
	done       chan struct{}
}

// NewSender creates an idle Sender writing to e.
func NewSender(e Emitter, opts ...SenderOption) *Sender {
	s := &Sender{
		emit:      e,
		chunkSize: chunk.DefaultSize,
		throttle:  DefaultThrottle,
		maxSize:   MaxBinarySize,
		pack:      chunk.PackFrame,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the session ID, which is assigned by Start unless set
// with WithSessionID.
func (s *Sender) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.SessionID
}

// State returns the current state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metadata returns the metadata announced by Start.
func (s *Sender) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Done is closed once the upload completes or fails.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Start validates f and announces the upload. Validation failures are
// returned before anything is sent and leave the Sender idle.
func (s *Sender) Start(f File) error {
	if !Supported(f.MimeType) {
		return fmt.Errorf("%s: %w: %q", f.Name, ErrUnsupportedType, f.MimeType)
	}
	if int64(len(f.Data)) > s.maxSize {
		return fmt.Errorf("%s: %w: %d bytes exceeds %d", f.Name, ErrTooLarge, len(f.Data), s.maxSize)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("upload already started (%s)", s.state)
	}
	if s.meta.SessionID == "" {
		s.meta.SessionID = uuid.NewString()
	}
	s.chunks = chunk.Split(f.Data, s.chunkSize)
	s.acked = make([]bool, len(s.chunks))
	s.meta.Filename = f.Name
	s.meta.Filesize = int64(len(f.Data))
	s.meta.MimeType = f.MimeType
	s.meta.TotalChunks = len(s.chunks)
	s.meta.ChunkSize = s.chunkSize
	s.meta.Timestamp = time.Now().UnixMilli()
	s.state = StateMetadataSent
	meta := s.meta
	s.mu.Unlock()

	if err := s.emit.SendMetadata(meta); err != nil {
		err = fmt.Errorf("send metadata: %w", err)
		s.Fail(err)
		return err
	}
	return nil
}

// OnAck feeds a relay acknowledgement into the state machine. Index -1
// acknowledges the metadata and releases chunk 0. Acks for chunks other
// than the one in flight are ignored.
func (s *Sender) OnAck(a Ack) error {
	s.mu.Lock()
	if s.state == StateComplete || s.state == StateError || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	if a.ChunkIndex < MetadataAckIndex || a.ChunkIndex >= len(s.chunks) {
		s.mu.Unlock()
		err := fmt.Errorf("%w: chunk index %d for %d chunks", ErrMalformedAck, a.ChunkIndex, len(s.chunks))
		s.Fail(err)
		return err
	}

	if a.ChunkIndex == MetadataAckIndex {
		if s.state != StateMetadataSent {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return s.SendNextChunk()
	}

	if !s.pendingAck || a.ChunkIndex != s.current {
		s.mu.Unlock()
		return nil
	}
	s.acked[s.current] = true
	s.current++
	s.pendingAck = false
	if s.current >= len(s.chunks) {
		s.state = StateComplete
		close(s.done)
		s.mu.Unlock()
		return nil
	}
	s.state = StateChunkAcked
	if s.throttle <= 0 {
		s.mu.Unlock()
		return s.SendNextChunk()
	}
	s.timer = time.AfterFunc(s.throttle, func() {
		if err := s.SendNextChunk(); err != nil {
			s.Fail(err)
		}
	})
	s.mu.Unlock()
	return nil
}

// SendNextChunk emits the chunk at the cursor. It does nothing while a chunk
// is awaiting its ack or once every chunk has been sent.
func (s *Sender) SendNextChunk() error {
	s.mu.Lock()
	if s.state == StateComplete || s.state == StateError || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	if s.pendingAck || s.current >= len(s.chunks) {
		s.mu.Unlock()
		return nil
	}
	idx := s.current
	h := chunk.Header{
		SessionID:   s.meta.SessionID,
		ChunkIndex:  idx,
		TotalChunks: len(s.chunks),
		Filename:    s.meta.Filename,
	}
	frame, err := s.pack(h, s.chunks[idx])
	if err != nil {
		s.mu.Unlock()
		s.Fail(err)
		return err
	}
	s.pendingAck = true
	s.state = StateChunkInFlight
	progress := SendProgress{
		SessionID: h.SessionID,
		Filename:  h.Filename,
		Sent:      idx + 1,
		Total:     h.TotalChunks,
		Percent:   float64(idx+1) / float64(h.TotalChunks) * 100,
	}
	s.mu.Unlock()

	if err := s.emit.SendChunk(frame); err != nil {
		err = fmt.Errorf("send chunk %d: %w", idx, err)
		s.Fail(err)
		return err
	}
	if s.progress != nil {
		s.progress(progress)
	}
	return nil
}

// Acked reports how many chunks the relay has confirmed.
func (s *Sender) Acked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ok := range s.acked {
		if ok {
			n++
		}
	}
	return n
}

// Fail moves the upload to the error state. The first error wins.
func (s *Sender) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateComplete || s.state == StateError {
		return
	}
	s.state = StateError
	s.err = err
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.done)
}

// Wait blocks until the upload finishes and returns its metadata. A
// cancelled ctx fails the upload.
func (s *Sender) Wait(ctx context.Context) (Metadata, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Fail(ctx.Err())
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError {
		return s.meta, s.err
	}
	return s.meta, nil
}
