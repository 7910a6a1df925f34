package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatify/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection bound to a room session.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	room           *chat.Room
	handle         chat.Handle
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         zerolog.Logger
}

// NewClient binds conn to the session behind handle. The read limit and
// rate limit come from cfg.
func NewClient(conn *websocket.Conn, hub *Hub, room *chat.Room, handle chat.Handle, addr string, cfg Config, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		room:           room,
		handle:         handle,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With().Str("conn", string(handle.ID)).Str("addr", addr).Logger(),
	}
}

func (c *Client) id() chat.ConnID {
	return c.handle.ID
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the session may
// be resumed. A clean close from the peer or an oversized frame is final;
// anything that looks like a network drop is not.
func (c *Client) handleReadError(err error) bool {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
		return false
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Err(err).Msg("client disconnected")
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err) {
		c.logger.Info().Err(err).Msg("client connection closed")
		return true
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
		c.logger.Warn().Err(err).Msg("unexpected websocket close")
		return true
	}

	c.logger.Info().Err(err).Msg("websocket read error")
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// rejectRateLimited answers a discarded frame when the client is waiting on
// a reply: claims always get a failed claim result, other frames an error
// only when they carry a request id.
func (c *Client) rejectRateLimited(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	switch {
	case frame.Type == FrameClaim:
		c.reply(FrameClaimResult, frame.RequestID, ClaimResult{Message: msgRateLimited})
	case frame.RequestID != "":
		c.replyError(frame.RequestID, msgRateLimited)
	}
}

// processMessage dispatches one inbound frame to the room. It returns false
// once the session no longer belongs to this connection.
func (c *Client) processMessage(raw []byte) bool {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug().Err(err).Msg("invalid frame")
		c.replyError("", msgMalformed)
		return true
	}

	var err error
	switch frame.Type {
	case FrameClaim:
		err = c.handleClaim(frame)
	case FrameChat:
		err = c.handleChat(frame)
	case FrameTyping:
		err = ignoreUnauthenticated(c.room.StartTyping(c.handle))
	case FrameStopTyping:
		err = ignoreUnauthenticated(c.room.StopTyping(c.handle))
	default:
		c.logger.Debug().Str("type", frame.Type).Msg("unknown frame type")
		c.replyError(frame.RequestID, msgUnknownFrame)
	}

	if errors.Is(err, chat.ErrSessionClosed) || errors.Is(err, chat.ErrUnknownSession) {
		c.logger.Debug().Err(err).Msg("session no longer attached to this connection")
		return false
	}
	if err != nil {
		c.replyError(frame.RequestID, errorMessage(err))
	}
	return true
}

func (c *Client) handleClaim(frame Frame) error {
	var req ClaimRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.reply(FrameClaimResult, frame.RequestID, ClaimResult{Message: msgMalformed})
		return nil
	}

	identity, err := c.room.Claim(c.handle, req.Name, req.Color)
	switch {
	case errors.Is(err, chat.ErrSessionClosed), errors.Is(err, chat.ErrUnknownSession):
		return err
	case err != nil:
		c.logger.Debug().Err(err).Str("name", req.Name).Msg("claim rejected")
		c.reply(FrameClaimResult, frame.RequestID, ClaimResult{Message: errorMessage(err)})
		return nil
	}

	c.logger.Info().Str("name", identity.Name).Str("color", identity.Color).Msg("identity claimed")
	c.reply(FrameClaimResult, frame.RequestID, ClaimResult{Success: true, Message: msgClaimed})
	return nil
}

func (c *Client) handleChat(frame Frame) error {
	var req ChatRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.replyError(frame.RequestID, msgMalformed)
		return nil
	}

	msg, err := c.room.Send(c.handle, req.outgoing())
	if err != nil {
		return err
	}
	c.logger.Debug().Str("id", msg.ID).Uint64("seq", msg.Seq).Msg("message appended")
	return nil
}

func ignoreUnauthenticated(err error) error {
	if errors.Is(err, chat.ErrUnauthenticated) {
		return nil
	}
	return err
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidName):
		return msgInvalidName
	case errors.Is(err, chat.ErrInvalidColor):
		return msgInvalidColor
	case errors.Is(err, chat.ErrNameTaken):
		return msgNameTaken
	case errors.Is(err, chat.ErrUnauthenticated):
		return msgUnauthenticated
	case errors.Is(err, chat.ErrUnknownReply):
		return msgUnknownReply
	case errors.Is(err, chat.ErrInvalidInput):
		return msgEmptyMessage
	default:
		return err.Error()
	}
}

// reply queues a frame for this connection only, behind any room events
// already handed to the hub.
func (c *Client) reply(typ, requestID string, payload any) {
	message, err := encodeFrame(typ, requestID, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", typ).Msg("failed to encode reply")
		return
	}
	c.hub.enqueue(message, []chat.ConnID{c.id()})
}

func (c *Client) replyError(requestID, message string) {
	c.reply(string(chat.EventError), requestID, message)
}

func (c *Client) readPump() {
	recoverable := true
	defer func() {
		c.room.Disconnect(c.handle, recoverable)
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			recoverable = c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.rejectRateLimited(rawMessage)
			continue
		}

		if !c.processMessage(rawMessage) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("error closing connection in writePump")
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes message and whatever else is already queued as
// one newline-separated batch.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Debug().Err(err).Msg("error creating writer")
		return false
	}

	if !c.writeChunk(w, message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			break
		}
		if !c.writeChunk(w, newline) || !c.writeChunk(w, next) {
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing writer")
		return false
	}
	return true
}

var newline = []byte{'\n'}

func (c *Client) writeChunk(w io.Writer, chunk []byte) bool {
	if _, err := w.Write(chunk); err != nil {
		c.logger.Debug().Err(err).Msg("error writing message")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
