package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

const maxLineSize = 1024 * 1024

// ErrServerClosed is reported when the server ends the event stream.
var ErrServerClosed = errors.New("event stream closed by server")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Handler receives the callbacks of a single connection. Calls are sequential and in
// arrival order. After OnError nothing else is delivered.
type Handler interface {
	OnOpen()
	OnEvent(ev Event)
	OnError(err error)
}

// Conn is one physical push connection.
type Conn interface {
	Close() error
}

// StatusError is a non-2xx handshake response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream handshake failed: %d %s", e.Code, http.StatusText(e.Code))
}

// Unauthorized reports whether the server rejected the credential.
func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// SSEDialer opens text/event-stream connections over HTTP.
type SSEDialer struct {
	client *http.Client
	logger *zap.Logger
}

func NewSSEDialer(client *http.Client, logger *zap.Logger) *SSEDialer {
	if client == nil {
		// no client timeout: the stream is long-lived
		client = &http.Client{}
	}
	return &SSEDialer{client: client, logger: logger}
}

// Dial starts the connection in the background and returns immediately. The handler is
// never invoked before Dial returns.
func (d *SSEDialer) Dial(rawURL string, h Handler) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &sseConn{cancel: cancel, done: make(chan struct{})}
	go c.run(ctx, d.client, rawURL, h, d.logger)
	return c
}

type sseConn struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the connection. Callbacks already running finish; no new ones start.
func (c *sseConn) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// Done is closed once the read goroutine has exited.
func (c *sseConn) Done() <-chan struct{} { return c.done }

func (c *sseConn) run(ctx context.Context, client *http.Client, rawURL string, h Handler, logger *zap.Logger) {
	defer close(c.done)

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		h.OnError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		fail(fmt.Errorf("failed to create stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		fail(fmt.Errorf("failed to open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fail(&StatusError{Code: resp.StatusCode})
		return
	}

	if ctx.Err() != nil {
		return
	}
	h.OnOpen()

	err = readEvents(ctx, resp.Body, func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		h.OnEvent(ev)
	})
	if err == nil {
		err = ErrServerClosed
	}
	logger.Debug("Stream read loop ended", zap.Error(err))
	fail(err)
}

// readEvents parses an event stream until EOF (nil) or a read error.
func readEvents(ctx context.Context, r io.Reader, dispatch func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		name string
		data bytes.Buffer
		has  bool
	)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSuffix(scanner.Bytes(), []byte("\r"))

		if len(line) == 0 {
			if has {
				ev := Event{Name: name, Data: bytes.TrimSuffix(append([]byte(nil), data.Bytes()...), []byte("\n"))}
				if ev.Name == "" {
					ev.Name = "message"
				}
				dispatch(ev)
			}
			name, has = "", false
			data.Reset()
			continue
		}
		if line[0] == ':' {
			continue // comment / keep-alive
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch string(field) {
		case "event":
			name = string(value)
			has = true
		case "data":
			data.Write(value)
			data.WriteByte('\n')
			has = true
		case "id", "retry":
			// reconnection is driven by the session, not the server hints
		}
	}
	return scanner.Err()
}
