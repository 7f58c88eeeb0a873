// Package control is the controller side of the relay: it publishes
// actions and uploads images with the chunked protocol.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/transfer"
)

// ErrRejected wraps a file-upload-error the relay sent for an upload.
var ErrRejected = errors.New("upload rejected by relay")

// ErrClosed is returned by uploads still running when the connection drops.
var ErrClosed = errors.New("connection closed")

// Client is a controller connection.
type Client struct {
	ws  *websocket.Conn
	log *zap.Logger

	wmu sync.Mutex // gorilla/websocket allows one writer

	mu      sync.Mutex
	uploads map[string]*transfer.Sender
	counts  relay.ClientCount

	done chan struct{}
	err  error
}

// Dial connects to the relay at url, registers as a controller and starts
// reading replies.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		log:     log,
		uploads: make(map[string]*transfer.Sender),
		done:    make(chan struct{}),
	}
	if err := c.send(relay.KindRegister, relay.RoleController); err != nil {
		ws.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection and fails any running upload.
func (c *Client) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed once the connection has stopped reading.
func (c *Client) Done() <-chan struct{} { return c.done }

// Counts returns the last client-count seen.
func (c *Client) Counts() relay.ClientCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

func (c *Client) send(k relay.Kind, data any) error {
	msg, err := relay.Encode(k, data)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// SendMetadata implements transfer.Emitter.
func (c *Client) SendMetadata(m transfer.Metadata) error {
	return c.send(relay.KindUploadMetadata, m)
}

// SendChunk implements transfer.Emitter.
func (c *Client) SendChunk(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Upload sends f with the chunked protocol and waits until every chunk is
// acknowledged, the relay rejects it, or ctx is done. Several uploads may
// run at once.
func (c *Client) Upload(ctx context.Context, f transfer.File, opts ...transfer.SenderOption) (transfer.Metadata, error) {
	id := uuid.NewString()
	opts = append(opts[:len(opts):len(opts)], transfer.WithSessionID(id))
	s := transfer.NewSender(c, opts...)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return transfer.Metadata{}, c.err
	}
	c.uploads[id] = s
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.uploads, id)
		c.mu.Unlock()
	}()

	if err := s.Start(f); err != nil {
		return transfer.Metadata{}, err
	}
	c.log.Info("upload started", zap.String("session", id), zap.String("filename", f.Name), zap.Int("bytes", len(f.Data)))
	m, err := s.Wait(ctx)
	if err != nil {
		return m, fmt.Errorf("upload %s after %d/%d chunks: %w", f.Name, s.Acked(), m.TotalChunks, err)
	}
	c.log.Info("upload finished", zap.String("session", id), zap.String("filename", f.Name))
	return m, nil
}

// Effect triggers a special effect on every display.
func (c *Client) Effect(kind string) error {
	return c.send(relay.KindSpecialEffect, relay.SpecialEffect{Type: kind})
}

// Music sends a music-control action (play, pause, next, ...).
func (c *Client) Music(action string) error {
	return c.send(relay.KindMusicControl, relay.MusicControl{Action: action})
}

// Character sends one of the character-* actions.
func (c *Client) Character(k relay.Kind, a relay.CharacterAction) error {
	switch k {
	case relay.KindCharacterHover, relay.KindCharacterClick, relay.KindCharacterScale, relay.KindCharacterShake:
		return c.send(k, a)
	}
	return fmt.Errorf("%s is not a character action", k)
}

// ReplaceImage sends a whole image as a single Base64 image-replace.
func (c *Client) ReplaceImage(f transfer.File) error {
	if !transfer.Supported(f.MimeType) {
		return fmt.Errorf("%w: %s", transfer.ErrUnsupportedType, f.MimeType)
	}
	if len(f.Data) > transfer.MaxDirectSize {
		return transfer.ErrTooLarge
	}
	return c.send(relay.KindImageReplace, relay.ImageReplace{
		Filename: f.Name,
		MimeType: f.MimeType,
		Size:     int64(len(f.Data)),
		Data:     base64.StdEncoding.EncodeToString(f.Data),
	})
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("invalid message", zap.Error(err))
			continue
		}
		c.dispatch(relay.ParseKind(env.Event), env.Data)
	}
}

func (c *Client) dispatch(k relay.Kind, data json.RawMessage) {
	switch k {
	case relay.KindUploadAck:
		var a transfer.Ack
		if err := json.Unmarshal(data, &a); err != nil {
			c.log.Warn("malformed ack", zap.Error(err))
			return
		}
		if s := c.sender(a.SessionID); s != nil {
			if err := s.OnAck(a); err != nil {
				c.log.Warn("ack", zap.String("session", a.SessionID), zap.Error(err))
			}
		}
	case relay.KindUploadError:
		var ue relay.UploadError
		if err := json.Unmarshal(data, &ue); err != nil {
			c.log.Warn("malformed upload error", zap.Error(err))
			return
		}
		err := fmt.Errorf("%w: %s", ErrRejected, ue.Message)
		if ue.SessionID == "" {
			c.failAll(err)
			return
		}
		if s := c.sender(ue.SessionID); s != nil {
			s.Fail(err)
		}
	case relay.KindUploadComplete:
		var uc relay.UploadComplete
		if err := json.Unmarshal(data, &uc); err == nil {
			c.log.Info("relay stored upload", zap.String("session", uc.SessionID), zap.String("digest", uc.Digest))
		}
	case relay.KindClientCount:
		var cc relay.ClientCount
		if err := json.Unmarshal(data, &cc); err == nil {
			c.mu.Lock()
			c.counts = cc
			c.mu.Unlock()
		}
	case relay.KindError:
		c.log.Warn("relay error", zap.ByteString("data", data))
	}
}

func (c *Client) sender(id string) *transfer.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads[id]
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	senders := make([]*transfer.Sender, 0, len(c.uploads))
	for _, s := range c.uploads {
		senders = append(senders, s)
	}
	c.mu.Unlock()
	for _, s := range senders {
		s.Fail(err)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.failAll(err)
}
