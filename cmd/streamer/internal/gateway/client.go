package gateway

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/hub"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/protocol"
)

const (
	maxMessageSize = 64 * 1024 // commands are small
	sendBuffer     = 256
)

// ClientAdapter bridges one gobwas websocket connection to the hub.
type ClientAdapter struct {
	id     string
	conn   net.Conn
	hub    *hub.Hub
	send   chan []byte
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger) *ClientAdapter {
	id := uuid.NewString()
	return &ClientAdapter{
		id:         id,
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, sendBuffer),
		logger:     logger.With(zap.String("client_id", id)),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	c.hub.Register(c)
	c.logger.Debug("Client connected", zap.String("remote", c.conn.RemoteAddr().String()))
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.id }

// Close stops the write pump, which closes the connection.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	c.SendBytes(b)
}

// SendBytes never blocks; a full buffer drops the message.
func (c *ClientAdapter) SendBytes(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		c.logger.Warn("Dropping message for slow client", zap.Int("size", len(b)))
	}
}

// readPump decodes client commands until the connection fails or the client leaves.
// Only writePump writes to the connection, so pings are not answered; any frame
// extends the read deadline.
func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	rd := &wsutil.Reader{
		Source:       c.conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: maxMessageSize,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			// control frames between fragments
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			_, err := io.Copy(io.Discard, r)
			return err
		},
	}

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.logger.Debug("Read loop ended", zap.Error(err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		switch hdr.OpCode {
		case ws.OpClose:
			return
		case ws.OpText:
		default:
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			c.logger.Warn("Failed to read message", zap.Error(err))
			return
		}

		var req protocol.WSRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, Message: "Invalid JSON"})
			continue
		}
		c.hub.HandleCommand(c, req)
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
