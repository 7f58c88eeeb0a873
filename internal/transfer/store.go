package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/outaqua/aquarium/internal/chunk"
)

// Limits bounds what a metadata message may announce.
type Limits struct {
	MaxFileSize int64
	MaxChunks   int
}

// DefaultLimits matches the binary upload path: 50 MiB in at most 4096
// chunks.
var DefaultLimits = Limits{MaxFileSize: MaxBinarySize, MaxChunks: 4096}

// session is the relay-side bookkeeping for one upload.
type session struct {
	meta      Metadata
	parts     *Reassembler
	createdAt time.Time
	updatedAt time.Time
}

// Progress is a snapshot of a session held by a Store.
type Progress struct {
	Metadata
	Received  int
	Missing   []int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store holds the in-flight upload sessions of a single relay connection.
// It is safe for concurrent use; the connection's reader and the sweeper
// both touch it.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	limits   Limits
	now      func() time.Time
}

// NewStore creates an empty Store enforcing limits.
func NewStore(limits Limits) *Store {
	return &Store{
		sessions: make(map[string]*session),
		limits:   limits,
		now:      time.Now,
	}
}

// OnMetadata starts a session. An existing session with the same ID is
// replaced, not merged.
func (s *Store) OnMetadata(m Metadata) error {
	switch {
	case m.SessionID == "":
		return fmt.Errorf("%w: sessionId is required", ErrInvalidMetadata)
	case m.TotalChunks < 1:
		return fmt.Errorf("%w: totalChunks must be at least 1", ErrInvalidMetadata)
	case s.limits.MaxChunks > 0 && m.TotalChunks > s.limits.MaxChunks:
		return fmt.Errorf("%w: %d chunks exceeds limit of %d", ErrInvalidMetadata, m.TotalChunks, s.limits.MaxChunks)
	case m.Filesize < 0:
		return fmt.Errorf("%w: negative filesize", ErrInvalidMetadata)
	case s.limits.MaxFileSize > 0 && m.Filesize > s.limits.MaxFileSize:
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, m.Filesize)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[m.SessionID] = &session{
		meta:      m,
		parts:     NewReassembler(m.TotalChunks),
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

// OnChunk stores one chunk. When the chunk completes its session the
// reassembled upload is returned and the session is removed; otherwise the
// returned upload is nil.
func (s *Store) OnChunk(h chunk.Header, data []byte) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[h.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if _, err := sess.parts.Put(h.ChunkIndex, data); err != nil {
		return nil, err
	}
	if s.limits.MaxFileSize > 0 && int64(sess.parts.Size()) > s.limits.MaxFileSize {
		delete(s.sessions, h.SessionID)
		return nil, fmt.Errorf("%w: session %s exceeded %d bytes", ErrTooLarge, h.SessionID, s.limits.MaxFileSize)
	}
	sess.updatedAt = s.now()

	if !sess.parts.Complete() {
		return nil, nil
	}
	return s.reassemble(h.SessionID, sess)
}

// Check reassembles a session if every slot is filled. A session with gaps
// is left in place and a *MissingChunksError names the empty slots.
func (s *Store) Check(sessionID string) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.reassemble(sessionID, sess)
}

func (s *Store) reassemble(id string, sess *session) (*Upload, error) {
	data, err := sess.parts.Bytes()
	if err != nil {
		var me *MissingChunksError
		if errors.As(err, &me) {
			me.SessionID = id
		}
		return nil, err
	}
	delete(s.sessions, id)
	return &Upload{Metadata: sess.meta, Data: data}, nil
}

// Get returns a snapshot of a session.
func (s *Store) Get(sessionID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		Metadata:  sess.meta,
		Received:  sess.parts.Received(),
		Missing:   sess.parts.Missing(),
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.updatedAt,
	}, true
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions that have seen no traffic for longer than ttl and
// returns their metadata.
func (s *Store) Sweep(ttl time.Duration) []Metadata {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []Metadata
	for id, sess := range s.sessions {
		if sess.updatedAt.Before(cutoff) {
			evicted = append(evicted, sess.meta)
			delete(s.sessions, id)
		}
	}
	return evicted
}

// Clear drops every session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}
