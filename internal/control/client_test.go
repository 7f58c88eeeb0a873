package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/transfer"
)

func startRelay(t *testing.T, cfg relay.Config) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(cfg, nil, nil)
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialControl(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// displayConn registers a bare websocket as a display.
func displayConn(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	msg, err := relay.Encode(relay.KindRegister, relay.RoleDisplay)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))
	return ws
}

// nextBinary returns the next binary message, skipping text.
func nextBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		typ, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.BinaryMessage {
			return data
		}
	}
}

func nextEvent(t *testing.T, ws *websocket.Conn, k relay.Kind) json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		typ, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if typ != websocket.TextMessage {
			continue
		}
		var env relay.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == k.String() {
			return env.Data
		}
	}
}

func image(name string, n int) transfer.File {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return transfer.File{Name: name, MimeType: "image/png", Data: data}
}

func waitForControllers(t *testing.T, hub *relay.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Counts().Controllers == n }, 2*time.Second, 10*time.Millisecond)
}

func TestUpload_RoundTrip(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	display := displayConn(t, url)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	var percents []float64
	f := image("character2.png", 200000)
	m, err := c.Upload(context.Background(), f,
		transfer.WithThrottle(0),
		transfer.WithProgress(func(p transfer.SendProgress) { percents = append(percents, p.Percent) }),
	)
	require.NoError(t, err)
	assert.Equal(t, 4, m.TotalChunks)
	assert.Equal(t, []float64{25, 50, 75, 100}, percents)

	assert.True(t, bytes.Equal(f.Data, nextBinary(t, display)))
}

func TestUpload_Concurrent(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 1; i <= 3; i++ {
		f := image(fmt.Sprintf("character%d.png", i), 150000+i)
		g.Go(func() error {
			_, err := c.Upload(ctx, f, transfer.WithThrottle(time.Millisecond))
			return err
		})
	}
	require.NoError(t, g.Wait())
}

func TestUpload_RejectedByRelay(t *testing.T) {
	cfg := relay.DefaultConfig
	cfg.Limits.MaxChunks = 2
	hub, url := startRelay(t, cfg)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	_, err := c.Upload(context.Background(), image("character1.png", 100), transfer.WithChunkSize(10))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestUpload_Validation(t *testing.T) {
	_, url := startRelay(t, relay.DefaultConfig)
	c := dialControl(t, url)

	_, err := c.Upload(context.Background(), transfer.File{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")})
	assert.ErrorIs(t, err, transfer.ErrUnsupportedType)
}

func TestUpload_ContextCancelled(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Upload(ctx, image("character1.png", 10*chunkSize), transfer.WithThrottle(time.Second))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "/10 chunks")
}

const chunkSize = 64 * 1024

func TestUpload_AfterRelayGone(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	hub.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed connection")
	}
	_, err := c.Upload(context.Background(), image("character1.png", 10))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestActions_ReachDisplays(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	display := displayConn(t, url)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)
	require.Eventually(t, func() bool { return c.Counts() == relay.ClientCount{Displays: 1, Controllers: 1} }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Effect("bubbles"))
	var fx relay.SpecialEffect
	require.NoError(t, json.Unmarshal(nextEvent(t, display, relay.KindSpecialEffect), &fx))
	assert.Equal(t, "bubbles", fx.Type)

	require.NoError(t, c.Character(relay.KindCharacterShake, relay.CharacterAction{Character: "character3"}))
	var ca relay.CharacterAction
	require.NoError(t, json.Unmarshal(nextEvent(t, display, relay.KindCharacterShake), &ca))
	assert.Equal(t, "character3", ca.Character)

	require.NoError(t, c.Music("play"))
	nextEvent(t, display, relay.KindMusicControl)

	assert.Error(t, c.Character(relay.KindSpecialEffect, relay.CharacterAction{}))
}

func TestReplaceImage(t *testing.T) {
	hub, url := startRelay(t, relay.DefaultConfig)
	display := displayConn(t, url)
	c := dialControl(t, url)
	waitForControllers(t, hub, 1)

	require.NoError(t, c.ReplaceImage(image("walking-left-1.png", 300)))
	var ir relay.ImageReplace
	require.NoError(t, json.Unmarshal(nextEvent(t, display, relay.KindImageReplace), &ir))
	assert.Equal(t, int64(300), ir.Size)

	assert.ErrorIs(t, c.ReplaceImage(image("big.png", transfer.MaxDirectSize+1)), transfer.ErrTooLarge)
}
