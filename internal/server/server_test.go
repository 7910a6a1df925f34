package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatify/internal/chat"
	"github.com/Tyrowin/chatify/internal/server"
	"github.com/Tyrowin/chatify/internal/testhelpers"
)

type testServer struct {
	srv   *server.Server
	http  *httptest.Server
	wsURL string
}

func newTestServer(t *testing.T, configure func(*server.Config)) *testServer {
	t.Helper()
	cfg := server.NewConfig()
	if configure != nil {
		configure(cfg)
	}

	srv := server.New(*cfg, zerolog.Nop())
	srv.StartHub()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return &testServer{srv: srv, http: ts, wsURL: testhelpers.WebSocketURL(ts.URL)}
}

// join dials, consumes the welcome and returns the peer with its session.
func (s *testServer) join(t *testing.T) (*testhelpers.Peer, chat.SessionInfo) {
	t.Helper()
	return s.resume(t, "")
}

func (s *testServer) resume(t *testing.T, token string) (*testhelpers.Peer, chat.SessionInfo) {
	t.Helper()
	url := s.wsURL
	if token != "" {
		url += "?resume=" + token
	}
	peer := testhelpers.Dial(t, url)

	var info chat.SessionInfo
	testhelpers.Decode(t, peer.Expect(string(chat.EventSession)), &info)
	peer.Expect(string(chat.EventActiveUsers))
	return peer, info
}

func decodeChat(t *testing.T, frame testhelpers.Frame) chat.Message {
	t.Helper()
	var msg chat.Message
	testhelpers.Decode(t, frame, &msg)
	return msg
}

func claimResult(t *testing.T, peer *testhelpers.Peer) server.ClaimResult {
	t.Helper()
	var result server.ClaimResult
	testhelpers.Decode(t, peer.Expect(server.FrameClaimResult), &result)
	return result
}

func errorText(t *testing.T, peer *testhelpers.Peer) string {
	t.Helper()
	var text string
	testhelpers.Decode(t, peer.Expect(string(chat.EventError)), &text)
	return text
}

// TestHealthEndpoint verifies the plain-text health check.
func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Chatify server is running!", string(body))
}

// TestWebSocketHandlerMethodValidation verifies that only GET may upgrade.
func TestWebSocketHandlerMethodValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, ts.http.URL+"/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	ts.join(t)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/stats")
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats server.StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Identified)
	assert.Equal(t, 2, stats.Clients)
}

func TestOriginRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	_, resp, err := testhelpers.ConnectWebSocket(ts.wsURL, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = testhelpers.ConnectWebSocket(ts.wsURL, "")
	require.Error(t, err, "connections without an origin are refused")
}

func TestChatScenario(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, aliceInfo := ts.join(t)
	bob, _ := ts.join(t)

	alice.Claim("alice", "#FF0000")
	var joined chat.UserRef
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserJoined)), &joined)
	assert.Equal(t, chat.UserRef{Username: "alice", Color: "#FF0000"}, joined)

	bob.Send(server.FrameClaim, server.ClaimRequest{Name: "alice", Color: "#00FF00"})
	result := claimResult(t, bob)
	assert.False(t, result.Success)
	assert.Equal(t, "Username is already taken.", result.Message)

	bob.Send(server.FrameClaim, server.ClaimRequest{Name: "bob", Color: "not a color"})
	assert.Equal(t, "Invalid color code.", claimResult(t, bob).Message)
	bob.Send(server.FrameClaim, server.ClaimRequest{Name: "  ", Color: "#00FF00"})
	assert.Equal(t, "Invalid username.", claimResult(t, bob).Message)

	bob.Claim("bob", "#00FF00")
	var users []chat.Presence
	testhelpers.Decode(t, alice.Expect(string(chat.EventActiveUsers)), &users)
	require.Len(t, users, 2)
	assert.Equal(t, chat.Presence{ID: aliceInfo.ID, Name: "alice", Color: "#FF0000"}, users[0])
	assert.Equal(t, "bob", users[1].Name)

	alice.Send(server.FrameChat, server.ChatRequest{Message: "hi @bob"})
	for _, peer := range []*testhelpers.Peer{alice, bob} {
		msg := decodeChat(t, peer.Expect(string(chat.EventChatMessage)))
		assert.Equal(t, "hi @bob", msg.Text)
		assert.Equal(t, "alice", msg.Author.Name)
		assert.Equal(t, []string{"bob"}, msg.Mentions)
		assert.Equal(t, uint64(1), msg.Seq)
	}

	alice.Close()
	var left string
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserLeft)), &left)
	assert.Equal(t, "alice", left)
}

func TestLateJoinerReceivesHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	for _, text := range []string{"one", "two"} {
		alice.Send(server.FrameChat, server.ChatRequest{Message: text})
		alice.Expect(string(chat.EventChatMessage))
	}

	bob, _ := ts.join(t)
	bob.Send(server.FrameClaim, server.ClaimRequest{Name: "bob", Color: "#00FF00"})
	var history []chat.Message
	testhelpers.Decode(t, bob.Expect(string(chat.EventPastMessages)), &history)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Text)
	assert.Equal(t, "two", history[1].Text)
	assert.True(t, claimResult(t, bob).Success, "claim result follows the history")
}

func TestReplyAndMentionsRelayed(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	alice.Send(server.FrameChat, server.ChatRequest{Message: "question?"})
	original := decodeChat(t, alice.Expect(string(chat.EventChatMessage)))

	alice.Send(server.FrameChat, server.ChatRequest{
		Message:     "answering @alice and @nobody",
		Mentions:    []string{"@nobody"},
		ReplyToID:   original.ID,
		ReplyToText: original.Text,
		ReplyToUser: "alice",
	})
	reply := decodeChat(t, alice.Expect(string(chat.EventChatMessage)))
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, original.ID, reply.ReplyTo.ID)
	assert.Equal(t, []string{"alice"}, reply.Mentions)
	assert.Greater(t, reply.Seq, original.Seq)
}

func TestVerifiedReplyRejectsUnknownTarget(t *testing.T) {
	ts := newTestServer(t, func(cfg *server.Config) { cfg.VerifyReplies = true })
	alice, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")

	alice.Send(server.FrameChat, server.ChatRequest{Message: "re", ReplyToID: "missing"})
	assert.Equal(t, "The message you replied to does not exist.", errorText(t, alice))
}

func TestUnauthenticatedSend(t *testing.T) {
	ts := newTestServer(t, nil)
	anon, _ := ts.join(t)

	anon.Send(server.FrameChat, server.ChatRequest{Message: "hello"})
	assert.Equal(t, "Authentication required. Please set a username and color first!", errorText(t, anon))
	assert.Zero(t, ts.srv.Room().Stats().Messages)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	peer, _ := ts.join(t)

	peer.SendRaw([]byte("not json"))
	assert.Equal(t, "Malformed frame.", errorText(t, peer))

	peer.Send("shout", nil)
	assert.Equal(t, "Unknown frame type.", errorText(t, peer))

	peer.Claim("alice", "#FF0000")
	peer.Send(server.FrameChat, server.ChatRequest{Message: "   "})
	assert.Equal(t, "Message must not be empty.", errorText(t, peer))
}

func TestTypingRelay(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.join(t)
	bob, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	bob.Claim("bob", "#00FF00")

	alice.Send(server.FrameTyping, nil)
	var who chat.UserRef
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserTyping)), &who)
	assert.Equal(t, "alice", who.Username)

	alice.Send(server.FrameStopTyping, nil)
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserStopTyping)), &who)
	assert.Equal(t, "alice", who.Username)
}

func TestResumeAfterDrop(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, aliceInfo := ts.join(t)
	bob, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	bob.Claim("bob", "#00FF00")

	alice.Drop()
	require.Eventually(t, func() bool {
		return ts.srv.Room().Stats().Suspended == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob.Send(server.FrameChat, server.ChatRequest{Message: "while you were away"})
	bob.Expect(string(chat.EventChatMessage))

	back, info := ts.resume(t, aliceInfo.Token)
	assert.True(t, info.Resumed)
	assert.Equal(t, aliceInfo.ID, info.ID)

	var missed []chat.Message
	testhelpers.Decode(t, back.Expect(string(chat.EventPastMessages)), &missed)
	require.Len(t, missed, 1)
	assert.Equal(t, "while you were away", missed[0].Text)

	back.Claim("alice", "#FF0000")
	back.Send(server.FrameChat, server.ChatRequest{Message: "back"})
	assert.Equal(t, "back", decodeChat(t, bob.Expect(string(chat.EventChatMessage))).Text)

	bob.ExpectNone(string(chat.EventUserLeft), 100*time.Millisecond)
}

func TestGraceExpiryReleasesName(t *testing.T) {
	ts := newTestServer(t, func(cfg *server.Config) { cfg.ReconnectGrace = 50 * time.Millisecond })
	alice, _ := ts.join(t)
	bob, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	bob.Claim("bob", "#00FF00")

	alice.Drop()

	var left string
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserLeft)), &left)
	assert.Equal(t, "alice", left)

	carol, _ := ts.join(t)
	carol.Claim("alice", "#0000FF")
}

func TestCleanCloseReleasesImmediately(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.join(t)
	bob, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	bob.Claim("bob", "#00FF00")

	alice.Close()
	bob.Expect(string(chat.EventUserLeft))
	assert.Zero(t, ts.srv.Room().Stats().Suspended)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, func(cfg *server.Config) { cfg.MaxMessageSize = 128 })
	alice, _ := ts.join(t)
	bob, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")
	bob.Claim("bob", "#00FF00")

	alice.Send(server.FrameChat, server.ChatRequest{Message: strings.Repeat("x", 256)})

	var left string
	testhelpers.Decode(t, bob.Expect(string(chat.EventUserLeft)), &left)
	assert.Equal(t, "alice", left)
}

func TestTakeoverClosesPreviousConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	first, info := ts.join(t)
	first.Claim("alice", "#FF0000")

	second, resumed := ts.resume(t, info.Token)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, info.ID, resumed.ID)

	_, err := first.Await("never sent")
	require.Error(t, err, "the replaced connection is closed")

	second.Claim("alice", "#FF0000")
	assert.Equal(t, 1, ts.srv.Room().Stats().Sessions)
}

func TestRateLimitDiscardsExcess(t *testing.T) {
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 3, RefillInterval: time.Minute}
	})
	alice, _ := ts.join(t)
	alice.Claim("alice", "#FF0000")

	for _, text := range []string{"one", "two", "three"} {
		alice.Send(server.FrameChat, server.ChatRequest{Message: text})
	}
	assert.Equal(t, "one", decodeChat(t, alice.Expect(string(chat.EventChatMessage))).Text)
	assert.Equal(t, "two", decodeChat(t, alice.Expect(string(chat.EventChatMessage))).Text)
	alice.ExpectNone(string(chat.EventChatMessage), 100*time.Millisecond)
	assert.Equal(t, 2, ts.srv.Room().Stats().Messages)
}

func TestConcurrentClaimsSameName(t *testing.T) {
	const peers = 8
	ts := newTestServer(t, func(cfg *server.Config) { cfg.RateLimit.Burst = 10 })

	clients := make([]*testhelpers.Peer, peers)
	for i := range clients {
		clients[i], _ = ts.join(t)
	}

	var winners atomic.Int32
	var g errgroup.Group
	for _, peer := range clients {
		g.Go(func() error {
			if err := peer.Write(server.FrameClaim, server.ClaimRequest{Name: "alice", Color: "#FF0000"}); err != nil {
				return err
			}
			frame, err := peer.Await(server.FrameClaimResult)
			if err != nil {
				return err
			}
			var result server.ClaimResult
			if err := json.Unmarshal(frame.Payload, &result); err != nil {
				return err
			}
			if result.Success {
				winners.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), winners.Load())
	assert.Len(t, ts.srv.Room().Snapshot(), 1)
}

func TestShutdownClosesClients(t *testing.T) {
	ts := newTestServer(t, nil)
	peer, _ := ts.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	_, err := peer.Await("never sent")
	require.Error(t, err)
	assert.Zero(t, ts.srv.Hub().ClientCount())
}

func TestShutdownBeforeStartHub(t *testing.T) {
	srv := server.New(*server.NewConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := srv.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimitedClaimIsAnswered(t *testing.T) {
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 1, RefillInterval: time.Minute}
	})
	peer, _ := ts.join(t)

	peer.Send(server.FrameChat, server.ChatRequest{Message: "too early"})
	assert.Equal(t, "Authentication required. Please set a username and color first!", errorText(t, peer))

	require.NoError(t, peer.WriteFrame(testhelpers.Frame{
		Type:      server.FrameClaim,
		RequestID: "claim-1",
		Payload:   json.RawMessage(`{"name":"alice","color":"#FF0000"}`),
	}))
	frame := peer.Expect(server.FrameClaimResult)
	assert.Equal(t, "claim-1", frame.RequestID)
	var result server.ClaimResult
	testhelpers.Decode(t, frame, &result)
	assert.False(t, result.Success)
	assert.Equal(t, "Too many messages. Try again shortly.", result.Message)

	require.NoError(t, peer.WriteFrame(testhelpers.Frame{Type: server.FrameTyping, RequestID: "typing-1"}))
	reply := peer.Expect(string(chat.EventError))
	assert.Equal(t, "typing-1", reply.RequestID)

	assert.Zero(t, ts.srv.Room().Stats().Identified)
}
