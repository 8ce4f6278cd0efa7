package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/fanout"
	"messaging-service/internal/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	controls [][]byte
	fail     bool
	closed   bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	if messageType == websocket.TextMessage {
		f.writes = append(f.writes, data)
	}
	return nil
}

func (f *fakeTransport) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, data)
	return nil
}

func (f *fakeTransport) controlFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.controls...)
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingRelay struct {
	mu        sync.Mutex
	envelopes []fanout.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, env fanout.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *recordingRelay) Run(ctx context.Context, _ func(fanout.Envelope)) { <-ctx.Done() }

func (r *recordingRelay) Close() error { return nil }

func connect(h *Hub, id string, userID int) (*Conn, *fakeTransport) {
	tr := &fakeTransport{}
	c := h.Connect(ConnInfo{ConnID: id, UserID: userID, ConnectedAt: time.Now()}, tr)
	return c, tr
}

// queued drains frames waiting in a connection that has not been started.
func queued(t *testing.T, c *Conn) []models.Frame {
	t.Helper()
	var frames []models.Frame
	for {
		select {
		case raw := <-c.send:
			var f models.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}
