package display

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/relay"
)

// Client is a display connection to the relay.
type Client struct {
	ws  *websocket.Conn
	r   *Replacer
	log *zap.Logger

	// metadata of the binary image whose bytes arrive next
	pending *relay.BinaryImage
}

// Dial connects to the relay at url and registers as a display.
func Dial(ctx context.Context, url string, r *Replacer, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	msg, err := relay.Encode(relay.KindRegister, relay.RoleDisplay)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		ws.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return &Client{ws: ws, r: r, log: log}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.ws.Close() }

// Run reads until the connection drops or ctx is done. Per-message
// failures are logged and do not stop the loop.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch typ {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *Client) handleBinary(data []byte) {
	meta := c.pending
	c.pending = nil
	if meta == nil {
		c.log.Warn("binary message without metadata", zap.Int("bytes", len(data)))
		return
	}
	if int64(len(data)) != meta.Size {
		c.log.Warn("binary size mismatch", zap.String("filename", meta.Filename), zap.Int64("want", meta.Size), zap.Int("got", len(data)))
	}
	err := c.r.HandleBinary(Meta{
		Filename:     meta.Filename,
		MimeType:     meta.MimeType,
		Size:         meta.Size,
		UploadMethod: meta.UploadMethod,
	}, data)
	if err != nil {
		c.log.Error("binary image", zap.Error(err))
	}
}

func (c *Client) handleText(data []byte) {
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("invalid message", zap.Error(err))
		return
	}

	k := relay.ParseKind(env.Event)
	var err error
	switch k {
	case relay.KindBinaryMetadata:
		var m relay.BinaryImage
		if err = json.Unmarshal(env.Data, &m); err == nil {
			c.pending = &m
		}
	case relay.KindImageReplace, relay.KindImageSimple:
		var m relay.ImageReplace
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.r.HandleBase64(Meta{
				Filename:     m.Filename,
				MimeType:     m.MimeType,
				Size:         m.Size,
				UploadMethod: m.UploadMethod,
			}, m.Data)
		}
	case relay.KindImageStart:
		var m relay.ImageStart
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.r.StartChunkedReceive(Meta{Filename: m.Filename, MimeType: m.MimeType, Size: m.Size}, m.TotalChunks)
		}
	case relay.KindImageChunk:
		var m relay.ImageChunk
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.r.ReceiveChunk(m.Filename, m.ChunkIndex, m.Data)
		}
	case relay.KindImageComplete:
		var m relay.ImageComplete
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.r.CompleteChunkedReceive(m.Filename)
		}
	case relay.KindCharacterHover, relay.KindCharacterClick, relay.KindCharacterScale,
		relay.KindCharacterShake, relay.KindFixedCharacterControl,
		relay.KindSpecialEffect, relay.KindMusicControl:
		c.r.Action(env.Event, env.Data)
	case relay.KindClientCount:
		c.log.Debug("client count", zap.ByteString("data", env.Data))
	case relay.KindError:
		c.log.Warn("relay error", zap.ByteString("data", env.Data))
	default:
		c.log.Debug("ignored event", zap.String("event", env.Event))
	}
	if err != nil {
		c.log.Error("handle event", zap.String("event", env.Event), zap.Error(err))
	}
}
