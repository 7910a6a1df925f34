// Package testhelpers provides WebSocket and HTTP helpers shared by the
// server tests.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is the origin the default server configuration allows.
const DefaultOrigin = "http://localhost:8080"

const readTimeout = 2 * time.Second

// Frame is a decoded server frame.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Peer is a test WebSocket client. Frames batched into one WebSocket
// message are split and returned one at a time.
type Peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []Frame
}

// WebSocketURL turns an httptest server URL into the chat endpoint URL.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects a peer from DefaultOrigin. The connection is closed when
// the test ends.
func Dial(t *testing.T, url string) *Peer {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &Peer{t: t, conn: conn}
}

// Send writes one frame.
func (p *Peer) Send(typ string, payload any) {
	p.t.Helper()
	require.NoError(p.t, p.Write(typ, payload))
}

// Write is Send without the test assertion, for use off the test goroutine.
func (p *Peer) Write(typ string, payload any) error {
	frame := map[string]any{"type": typ}
	if payload != nil {
		frame["payload"] = payload
	}
	return p.conn.WriteJSON(frame)
}

// WriteFrame writes frame as is, including its request id.
func (p *Peer) WriteFrame(frame Frame) error {
	return p.conn.WriteJSON(frame)
}

// SendRaw writes data as a single text message.
func (p *Peer) SendRaw(data []byte) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

// Next returns the next frame, failing the test if none arrives in time.
func (p *Peer) Next() Frame {
	p.t.Helper()
	frame, err := p.next(readTimeout)
	require.NoError(p.t, err)
	return frame
}

func (p *Peer) next(timeout time.Duration) (Frame, error) {
	if len(p.pending) == 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Frame{}, err
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var frame Frame
			if err := json.Unmarshal(line, &frame); err != nil {
				return Frame{}, err
			}
			p.pending = append(p.pending, frame)
		}
	}
	frame := p.pending[0]
	p.pending = p.pending[1:]
	return frame, nil
}

// Expect skips frames until one of type typ arrives.
func (p *Peer) Expect(typ string) Frame {
	p.t.Helper()
	frame, err := p.Await(typ)
	require.NoError(p.t, err, "waiting for %q", typ)
	return frame
}

// Await is Expect without the test assertion.
func (p *Peer) Await(typ string) (Frame, error) {
	for {
		frame, err := p.next(readTimeout)
		if err != nil {
			return Frame{}, err
		}
		if frame.Type == typ {
			return frame, nil
		}
	}
}

// ExpectNone fails if a frame of type typ arrives within wait. The read
// deadline it sets leaves the connection unusable, so call it last.
func (p *Peer) ExpectNone(typ string, wait time.Duration) {
	p.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		frame, err := p.next(remaining)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		require.NoError(p.t, err)
		require.NotEqual(p.t, typ, frame.Type, "unexpected %q frame: %s", typ, frame.Payload)
	}
}

// Claim claims name and color and requires success.
func (p *Peer) Claim(name, color string) {
	p.t.Helper()
	p.Send("claim identity", map[string]string{"name": name, "color": color})
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	Decode(p.t, p.Expect("claim result"), &result)
	require.True(p.t, result.Success, result.Message)
}

// Close sends a normal close frame, then closes the connection.
func (p *Peer) Close() {
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.Close()
}

// Drop closes the connection without a close frame, like a lost network.
func (p *Peer) Drop() {
	_ = p.conn.Close()
}

// Decode unmarshals the frame payload into v.
func Decode(t *testing.T, frame Frame, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(frame.Payload, v), "frame %q", frame.Type)
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
