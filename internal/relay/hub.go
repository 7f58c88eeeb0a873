// Package relay is the WebSocket hub between control panels and displays.
// Controllers publish, displays subscribe, and chunked uploads are
// reassembled per connection before being fanned out.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/chunk"
	"github.com/outaqua/aquarium/internal/ratelimit"
	"github.com/outaqua/aquarium/internal/transfer"
)

// Library receives every reassembled upload and can hand back the latest
// image per filename for displays that join late.
type Library interface {
	Save(ctx context.Context, up *transfer.Upload) error
	Latest(ctx context.Context) ([]*transfer.Upload, error)
}

// Config tunes a Hub.
type Config struct {
	Limits         transfer.Limits
	Rate           int           // messages per RateWindow per connection, 0 disables
	RateWindow     time.Duration //
	ReadLimit      int64         // largest accepted websocket message
	QueueSize      int           // outbound batches buffered per connection
	Base64Fallback bool          // also send image-replace after the binary pair
	Replay         bool          // send the latest images to newly registered displays
}

// DefaultConfig mirrors the festival deployment.
var DefaultConfig = Config{
	Limits:         transfer.DefaultLimits,
	Rate:           2000,
	RateWindow:     10 * time.Second,
	ReadLimit:      64 << 20,
	QueueSize:      256,
	Base64Fallback: true,
	Replay:         true,
}

// Hub accepts websocket connections and routes their events.
type Hub struct {
	cfg      Config
	registry *Registry
	library  Library
	log      *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub creates a Hub. lib may be nil, in which case uploads are relayed
// but not kept.
func NewHub(cfg Config, lib Library, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	return &Hub{
		cfg:      cfg,
		registry: NewRegistry(),
		library:  lib,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Counts returns the current number of displays and controllers.
func (h *Hub) Counts() ClientCount { return h.registry.Counts() }

// ServeHTTP upgrades the request to a websocket and serves it until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	h.serve(ws)
}

func (h *Hub) serve(ws *websocket.Conn) {
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []message, h.cfg.QueueSize),
		done:    make(chan struct{}),
		uploads: transfer.NewStore(h.cfg.Limits),
		limiter: ratelimit.New(h.cfg.Rate, h.cfg.RateWindow),
		log:     h.log.With(zap.String("conn", id)),
	}
	h.registry.Add(c)
	c.log.Info("client connected", zap.String("remote", ws.RemoteAddr().String()))

	go c.writeLoop()
	defer func() {
		c.close()
		if n := c.uploads.Len(); n > 0 {
			c.log.Info("discarding unfinished uploads", zap.Int("sessions", n))
		}
		c.uploads.Clear()
		h.registry.Unregister(id)
		c.log.Info("client disconnected")
		h.broadcastCounts()
	}()

	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	if h.cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(h.cfg.ReadLimit)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		switch typ {
		case websocket.TextMessage:
			h.handleText(c, data)
		case websocket.BinaryMessage:
			h.handleChunk(c, data)
		}
	}
}

func (h *Hub) handleText(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("invalid message")
		return
	}

	k := ParseKind(env.Event)
	switch routes[k] {
	case routeToDisplays:
		h.forward(c, k, data)
	case routeToSender:
		h.handle(c, k, env.Data)
	default:
		if k == KindUnknown {
			c.sendError("unknown event: " + env.Event)
		} else {
			c.sendError("event is relay-originated: " + env.Event)
		}
	}
}

// handle serves the events answered by the relay itself.
func (h *Hub) handle(c *Conn, k Kind, data json.RawMessage) {
	switch k {
	case KindRegister:
		h.register(c, data)
	case KindUploadMetadata:
		h.handleMetadata(c, data)
	case KindUploadChunk:
		c.sendEvent(KindUploadError, UploadError{Message: "file-upload-chunk must be a binary message"})
	case KindPing:
		c.sendEvent(KindPong, data)
	case KindTestEvent:
		c.log.Debug("test event received", zap.ByteString("data", data))
		c.sendEvent(KindTestResponse, map[string]any{"received": true, "timestamp": h.now().UnixMilli()})
	default:
		c.sendError("unhandled event: " + k.String())
	}
}

func (h *Hub) register(c *Conn, data json.RawMessage) {
	var role Role
	if err := json.Unmarshal(data, &role); err != nil {
		c.sendError("invalid register payload")
		return
	}
	if err := h.registry.Register(c.id, role); err != nil {
		c.sendError(err.Error())
		return
	}
	c.log.Info("client registered", zap.String("role", string(role)))
	h.broadcastCounts()

	if role == RoleDisplay && h.cfg.Replay {
		h.replay(c)
	}
}

// broadcastCounts tells every connection, registered or not, the current
// presence counts.
func (h *Hub) broadcastCounts() {
	b, err := Encode(KindClientCount, h.registry.Counts())
	if err != nil {
		h.log.Error("encode client-count", zap.Error(err))
		return
	}
	for _, c := range h.registry.All() {
		c.enqueue(message{typ: websocket.TextMessage, data: b})
	}
}

func (h *Hub) isController(c *Conn) bool {
	role, _ := h.registry.Role(c.id)
	return role == RoleController
}

// forward sends a controller's message verbatim to every display.
func (h *Hub) forward(c *Conn, k Kind, data []byte) {
	if !h.isController(c) {
		c.sendError("controller role required: " + k.String())
		return
	}
	displays := h.registry.Displays()
	for _, d := range displays {
		d.enqueue(message{typ: websocket.TextMessage, data: data})
	}
	c.log.Debug("forwarded",
		zap.Stringer("event", k),
		zap.Int("bytes", len(data)),
		zap.Int("displays", len(displays)),
	)
	if k == KindImageReplace && int64(len(data)) > transfer.MaxDirectSize {
		c.log.Warn("large image-replace relayed", zap.Int("bytes", len(data)))
	}
}

func (h *Hub) handleMetadata(c *Conn, data json.RawMessage) {
	if !h.isController(c) {
		c.sendEvent(KindUploadError, UploadError{Message: "controller role required"})
		return
	}
	var m transfer.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		c.sendEvent(KindUploadError, UploadError{Message: "Invalid upload metadata"})
		return
	}
	if err := c.uploads.OnMetadata(m); err != nil {
		c.log.Info("upload rejected", zap.String("session", m.SessionID), zap.Error(err))
		c.sendEvent(KindUploadError, uploadError(m.SessionID, err))
		return
	}
	c.log.Info("upload started",
		zap.String("session", m.SessionID),
		zap.String("filename", m.Filename),
		zap.Int("chunks", m.TotalChunks),
		zap.Int64("bytes", m.Filesize),
	)
	c.sendEvent(KindUploadAck, transfer.Ack{SessionID: m.SessionID, ChunkIndex: transfer.MetadataAckIndex})
}

// handleChunk processes one binary file-upload-chunk frame.
func (h *Hub) handleChunk(c *Conn, frame []byte) {
	if !h.isController(c) {
		c.sendEvent(KindUploadError, UploadError{Message: "controller role required"})
		return
	}
	hdr, payload, err := chunk.UnpackFrame(frame)
	if err != nil {
		c.log.Info("bad chunk frame", zap.Error(err))
		c.sendEvent(KindUploadError, uploadError("", err))
		return
	}

	up, err := c.uploads.OnChunk(hdr, payload)
	if err != nil {
		c.log.Info("chunk rejected",
			zap.String("session", hdr.SessionID),
			zap.Int("chunk", hdr.ChunkIndex),
			zap.Error(err),
		)
		c.sendEvent(KindUploadError, uploadError(hdr.SessionID, err))
		return
	}
	c.sendEvent(KindUploadAck, transfer.Ack{SessionID: hdr.SessionID, ChunkIndex: hdr.ChunkIndex})

	if up != nil {
		h.complete(c, up)
	}
}

// complete fans a reassembled upload out to every display, confirms it to
// the uploader and hands it to the library.
func (h *Hub) complete(c *Conn, up *transfer.Upload) {
	now := h.now().UnixMilli()
	size := int64(len(up.Data))
	digest := up.Digest()

	pair, err := binaryPair(up, now)
	if err != nil {
		c.log.Error("encode binary image", zap.Error(err))
		return
	}
	frames := pair
	if h.cfg.Base64Fallback {
		compat, err := Encode(KindImageReplace, ImageReplace{
			Type:         imageReplaceType,
			Filename:     up.Filename,
			MimeType:     up.MimeType,
			Size:         size,
			Data:         base64.StdEncoding.EncodeToString(up.Data),
			Timestamp:    now,
			UploadMethod: UploadMethodBinary,
		})
		if err != nil {
			c.log.Error("encode image-replace", zap.Error(err))
		} else {
			frames = append(frames, message{typ: websocket.TextMessage, data: compat})
		}
	}

	displays := h.registry.Displays()
	for _, d := range displays {
		d.enqueue(frames...)
	}
	c.log.Info("upload complete",
		zap.String("session", up.SessionID),
		zap.String("filename", up.Filename),
		zap.Int64("bytes", size),
		zap.String("digest", digest),
		zap.Int("displays", len(displays)),
	)

	c.sendEvent(KindUploadComplete, UploadComplete{
		SessionID: up.SessionID,
		Filename:  up.Filename,
		Filesize:  size,
		Digest:    digest,
	})

	if h.library != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.library.Save(ctx, up); err != nil {
			c.log.Error("save upload", zap.String("filename", up.Filename), zap.Error(err))
		}
	}
}

func binaryPair(up *transfer.Upload, ts int64) ([]message, error) {
	meta, err := Encode(KindBinaryMetadata, BinaryImage{
		Type:         binaryImageType,
		Filename:     up.Filename,
		MimeType:     up.MimeType,
		Size:         int64(len(up.Data)),
		Timestamp:    ts,
		UploadMethod: UploadMethodBinary,
	})
	if err != nil {
		return nil, err
	}
	return []message{
		{typ: websocket.TextMessage, data: meta},
		{typ: websocket.BinaryMessage, data: up.Data},
	}, nil
}

// replay sends the latest stored image for every filename to a display.
func (h *Hub) replay(c *Conn) {
	if h.library == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ups, err := h.library.Latest(ctx)
	if err != nil {
		c.log.Error("load images for replay", zap.Error(err))
		return
	}
	for _, up := range ups {
		pair, err := binaryPair(up, up.Timestamp)
		if err != nil {
			c.log.Error("encode replay image", zap.Error(err))
			continue
		}
		if !c.enqueue(pair...) {
			return
		}
	}
	if len(ups) > 0 {
		c.log.Info("replayed images", zap.Int("images", len(ups)))
	}
}

// Sweep evicts upload sessions idle for longer than ttl on every connection
// and tells each owner which session timed out.
func (h *Hub) Sweep(ttl time.Duration) int {
	n := 0
	for _, c := range h.registry.All() {
		for _, m := range c.uploads.Sweep(ttl) {
			n++
			c.log.Info("upload session timed out", zap.String("session", m.SessionID), zap.String("filename", m.Filename))
			c.sendEvent(KindUploadError, uploadError(m.SessionID, transfer.ErrSessionTimeout))
		}
	}
	return n
}

// Close drops every connection.
func (h *Hub) Close() {
	for _, c := range h.registry.All() {
		c.close()
	}
}

// uploadError maps a transfer failure onto the file-upload-error payload.
func uploadError(sessionID string, err error) UploadError {
	ue := UploadError{SessionID: sessionID}
	var fe *chunk.FramingError
	var me *transfer.MissingChunksError
	switch {
	case errors.As(err, &fe):
		ue.Message = "Invalid chunk format"
	case errors.As(err, &me):
		idx := make([]string, len(me.Missing))
		for i, m := range me.Missing {
			idx[i] = strconv.Itoa(m)
		}
		ue.Message = "Missing chunks: " + strings.Join(idx, ", ")
		ue.Missing = me.Missing
	case errors.Is(err, transfer.ErrSessionNotFound):
		ue.Message = "Session not found"
	case errors.Is(err, transfer.ErrChunkOutOfRange):
		ue.Message = "Chunk index out of range"
	case errors.Is(err, transfer.ErrTooLarge):
		ue.Message = "File too large"
	case errors.Is(err, transfer.ErrInvalidMetadata):
		ue.Message = "Invalid upload metadata"
	case errors.Is(err, transfer.ErrSessionTimeout):
		ue.Message = "Session timed out"
	default:
		ue.Message = "Chunk processing failed"
	}
	return ue
}
