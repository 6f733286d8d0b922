package testutils

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/protocol"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/sink"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/stream"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/transport"
)

// MockClock fires timers only when Advance moves time past their deadline.
type MockClock struct {
	Mu     sync.Mutex
	now    time.Duration
	timers []*MockTimer
}

type MockTimer struct {
	clock    *MockClock
	Deadline time.Duration
	Delay    time.Duration
	fn       func()
	stopped  bool
	fired    bool
}

func (t *MockTimer) Stop() bool {
	t.clock.Mu.Lock()
	defer t.clock.Mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) stream.Timer {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	t := &MockTimer{clock: c, Deadline: c.now + d, Delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs due timers in deadline order.
// Callbacks run on the caller's goroutine without the clock lock held.
func (c *MockClock) Advance(d time.Duration) {
	c.Mu.Lock()
	target := c.now + d
	c.Mu.Unlock()

	for {
		c.Mu.Lock()
		var next *MockTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.Deadline > target {
				continue
			}
			if next == nil || t.Deadline < next.Deadline {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.Mu.Unlock()
			return
		}
		c.now = next.Deadline
		next.fired = true
		c.Mu.Unlock()

		next.fn()
	}
}

// Pending returns the delays of timers that are scheduled and not yet fired or stopped.
func (c *MockClock) Pending() []time.Duration {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.Delay)
		}
	}
	return out
}

// MockConn is a connection handed out by MockDialer. Tests drive it through Handler.
type MockConn struct {
	URL     string
	Handler transport.Handler
	closed  bool
	mu      sync.Mutex
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockConn) Open()          { c.Handler.OnOpen() }
func (c *MockConn) Fail(err error) { c.Handler.OnError(err) }

func (c *MockConn) Send(name, data string) {
	c.Handler.OnEvent(transport.Event{Name: name, Data: []byte(data)})
}

type MockDialer struct {
	Mu    sync.Mutex
	Conns []*MockConn
}

func (d *MockDialer) Dial(rawURL string, h transport.Handler) transport.Conn {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	c := &MockConn{URL: rawURL, Handler: h}
	d.Conns = append(d.Conns, c)
	return c
}

func (d *MockDialer) Count() int {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return len(d.Conns)
}

func (d *MockDialer) Last() *MockConn {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// OpenCount is the number of dialed connections not yet closed.
func (d *MockDialer) OpenCount() int {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	n := 0
	for _, c := range d.Conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

var ErrRefreshRejected = errors.New("refresh rejected")

type MockRefresher struct {
	Mu     sync.Mutex
	Token  string
	Err    error
	Calls  []string
	Before func() // runs inside Refresh, before it returns
}

func (r *MockRefresher) Refresh(ctx context.Context, refreshToken string) (string, error) {
	r.Mu.Lock()
	r.Calls = append(r.Calls, refreshToken)
	token, err, before := r.Token, r.Err, r.Before
	r.Mu.Unlock()

	if before != nil {
		before()
	}
	return token, err
}

func (r *MockRefresher) CallCount() int {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return len(r.Calls)
}

type MockCredentials struct {
	Mu      sync.Mutex
	Access  string
	Refresh string
	Updates []string
}

func (c *MockCredentials) AccessToken() string {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.Access
}

func (c *MockCredentials) RefreshToken() string {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.Refresh
}

func (c *MockCredentials) UpdateAccessToken(ctx context.Context, token string) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Access = token
	c.Updates = append(c.Updates, token)
	return nil
}

// MockSession records the calls the controller makes.
type MockSession struct {
	Mu     sync.Mutex
	Starts [][]string
	Tokens []string
	Stops  int
}

func (s *MockSession) Start(symbols []string, credential string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Starts = append(s.Starts, append([]string(nil), symbols...))
	s.Tokens = append(s.Tokens, credential)
}

func (s *MockSession) Stop() {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Stops++
}

func (s *MockSession) StartCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return len(s.Starts)
}

// MockSourceSetter records SetSource calls made by the hub.
type MockSourceSetter struct {
	Mu      sync.Mutex
	Sources map[string][]string
	Calls   int
}

func (m *MockSourceSetter) SetSource(name string, symbols []string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Sources == nil {
		m.Sources = make(map[string][]string)
	}
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	m.Sources[name] = sorted
	m.Calls++
}

func (m *MockSourceSetter) Source(name string) []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Sources[name]
}

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

// OfType returns the received messages with the given type.
func (m *MockClient) OfType(typ string) []protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.WSResponse
	for _, msg := range m.Messages {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type MockKafkaWriter struct {
	Messages []kafka.Message
	Err      error
	Closed   bool
	Mu       sync.Mutex
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type MockKafkaConn struct {
	CreatedTopics []string
	Configs       []kafka.TopicConfig
	Partitions    []kafka.Partition
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}

func (m *MockKafkaConn) Close() error { return nil }

func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
		m.Configs = append(m.Configs, t)
	}
	return nil
}

func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.Partitions == nil {
		return []kafka.Partition{{Topic: topics[0], ID: 0}}, nil
	}
	return m.Partitions, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Addrs   []string
	Err     error
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (sink.KafkaConn, error) {
	m.Addrs = append(m.Addrs, address)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}

// MockPipeline records the commands the redis publisher queues.
type MockPipeline struct {
	redis.Pipeliner

	ExecCount    int
	RecordedCmds []string
	ExecErr      error
	Mu           sync.Mutex
}

func (m *MockPipeline) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RecordedCmds = append(m.RecordedCmds, "SET "+key)
	return redis.NewStatusCmd(ctx)
}

func (m *MockPipeline) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RecordedCmds = append(m.RecordedCmds, "PUBLISH "+channel)
	return redis.NewIntCmd(ctx)
}

func (m *MockPipeline) Exec(ctx context.Context) ([]redis.Cmder, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ExecCount++
	return nil, m.ExecErr
}

func (m *MockPipeline) Cmds() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.RecordedCmds...)
}

type MockRedisClient struct {
	PipelineSpy *MockPipeline
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{PipelineSpy: &MockPipeline{}}
}

func (m *MockRedisClient) Pipeline() redis.Pipeliner {
	return m.PipelineSpy
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}
