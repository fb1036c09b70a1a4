package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/tick-saver/internal/decoder/decodertest"
	"github.com/YaganovValera/tick-saver/internal/market"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

type feed struct {
	t        *testing.T
	mu       sync.Mutex
	queries  []string
	hellos   []string
	pings    int
	conns    int
	dropHalf bool // первое соединение закрывается после отправки фрейма
	frame    []byte
}

func (f *feed) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_, hello, err := conn.ReadMessage()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns++
	n := f.conns
	f.queries = append(f.queries, r.URL.RawQuery)
	f.hellos = append(f.hellos, string(hello))
	f.mu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","data":"hello"}`))
	if f.frame != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage, f.frame)
	}
	if f.dropHalf && n == 1 {
		return
	}
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ == websocket.BinaryMessage && string(msg) == "ping" {
			f.mu.Lock()
			f.pings++
			f.mu.Unlock()
		}
	}
}

func (f *feed) snapshot() (hellos []string, queries []string, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hellos...), append([]string(nil), f.queries...), f.pings
}

type tickSink struct {
	mu    sync.Mutex
	ticks []market.Tick
}

func (s *tickSink) HandleTick(_ context.Context, t market.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
}

func (s *tickSink) all() []market.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Tick(nil), s.ticks...)
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSession(t *testing.T, f *feed, cfg Config, h TickHandler, opts ...Option) (*Session, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	cfg.URL = wsURL(srv)

	symbols := map[uint32]string{408065: "CT:1:1:INFY", 256265: "CT:1:9:NIFTY"}
	s, err := New("test-1", Credentials{APIKey: "key", AccessToken: "tok"},
		[]uint32{408065, 256265}, symbols, h, cfg, logger.NewNop(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not stop")
		}
		srv.Close()
	}
}

func TestHandshake(t *testing.T) {
	got, err := Handshake([]uint32{408065, 256265})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":"mode","v":["full",[408065,256265]]}`; string(got) != want {
		t.Errorf("handshake = %s; want %s", got, want)
	}
}

func TestSession_StreamsTicks(t *testing.T) {
	f := &feed{t: t, frame: decodertest.Frame(
		decodertest.Full(408065, 150000, 149950, 1200, 10, 1700000000),
		decodertest.LTP(999, 100), // не в подписке
		decodertest.LTP(256265, 2250000),
	)}
	sink := &tickSink{}
	s, stop := startSession(t, f, Config{PingInterval: time.Hour}, sink)
	defer stop()

	eventually(t, "two ticks", func() bool { return len(sink.all()) == 2 })
	ticks := sink.all()
	if ticks[0].Symbol != "CT:1:1:INFY" || *ticks[0].LTP != 1500 || !ticks[0].HasExchangeTime {
		t.Errorf("tick 0 = %+v", ticks[0])
	}
	if ticks[1].Symbol != "CT:1:9:NIFTY" || ticks[1].HasExchangeTime {
		t.Errorf("tick 1 = %+v", ticks[1])
	}
	if s.State() != Active {
		t.Errorf("state = %v; want active", s.State())
	}

	_, queries, _ := f.snapshot()
	if queries[0] != "access_token=tok&api_key=key" {
		t.Errorf("query = %q", queries[0])
	}
}

func TestSession_ReconnectResendsHandshake(t *testing.T) {
	f := &feed{t: t, dropHalf: true}
	var (
		mu     sync.Mutex
		states []State
	)
	observer := WithStateObserver(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	s, stop := startSession(t, f, Config{PingInterval: time.Hour}, &tickSink{}, observer)

	eventually(t, "second handshake", func() bool {
		hellos, _, _ := f.snapshot()
		return len(hellos) >= 2
	})
	stop()

	hellos, _, _ := f.snapshot()
	if hellos[0] != hellos[1] {
		t.Errorf("handshakes differ:\n%s\n%s", hellos[0], hellos[1])
	}
	want, _ := Handshake([]uint32{408065, 256265})
	if hellos[1] != string(want) {
		t.Errorf("handshake = %s; want %s", hellos[1], want)
	}
	if s.Connects() < 2 {
		t.Errorf("connects = %d; want ≥ 2", s.Connects())
	}

	mu.Lock()
	defer mu.Unlock()
	seq := []State{Connecting, Active, Degraded, Reconnecting, Connecting, Active}
	if len(states) < len(seq) {
		t.Fatalf("states = %v", states)
	}
	for i, st := range seq {
		if states[i] != st {
			t.Fatalf("states = %v; want prefix %v", states, seq)
		}
	}
	if states[len(states)-1] != Stopped {
		t.Errorf("final state = %v; want stopped", states[len(states)-1])
	}
}

func TestSession_Heartbeat(t *testing.T) {
	f := &feed{t: t}
	s, stop := startSession(t, f, Config{PingInterval: 10 * time.Millisecond}, &tickSink{})
	defer stop()

	eventually(t, "pings", func() bool {
		_, _, pings := f.snapshot()
		return pings >= 3
	})
	if s.LastHeartbeat().IsZero() {
		t.Error("last heartbeat not recorded")
	}
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("connection refused")
}

func TestSession_DialFailuresLoopWithoutRecursion(t *testing.T) {
	d := &failingDialer{}
	s, err := New("dial", Credentials{APIKey: "k", AccessToken: "t"}, []uint32{1}, nil,
		&tickSink{}, Config{URL: "ws://127.0.0.1:1", ReconnectDelay: time.Millisecond}, logger.NewNop(), WithDialer(d))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	eventually(t, "repeated dials", func() bool { return s.Connects() >= 20 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != Stopped {
		t.Errorf("state = %v; want stopped", s.State())
	}
}

type brokenWriteConn struct {
	mu      sync.Mutex
	writes  int
	closed  chan struct{}
	closeMu sync.Once
}

func (c *brokenWriteConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *brokenWriteConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writes > 1 { // handshake проходит, первый ping падает
		return errors.New("broken pipe")
	}
	return nil
}

func (c *brokenWriteConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

type oneConnDialer struct{ conn *brokenWriteConn }

func (d oneConnDialer) Dial(context.Context, string) (Conn, error) { return d.conn, nil }

func TestSession_HeartbeatFailureClosesConnection(t *testing.T) {
	conn := &brokenWriteConn{closed: make(chan struct{})}
	s, err := New("hb", Credentials{APIKey: "k", AccessToken: "t"}, []uint32{1}, nil,
		&tickSink{}, Config{URL: "ws://x", PingInterval: 5 * time.Millisecond}, logger.NewNop(),
		WithDialer(oneConnDialer{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}

	err = s.connectOnce(context.Background())
	if !errors.Is(err, ErrHeartbeat) {
		t.Fatalf("connectOnce err = %v; want ErrHeartbeat", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Error("connection not closed after heartbeat failure")
	}
	if s.State() != Degraded {
		t.Errorf("state = %v; want degraded", s.State())
	}
}

func TestNew_Validation(t *testing.T) {
	cred := Credentials{APIKey: "k", AccessToken: "t"}
	if _, err := New("x", cred, nil, nil, &tickSink{}, Config{}, logger.NewNop()); err == nil {
		t.Error("empty token set accepted")
	}
	if _, err := New("x", cred, []uint32{1}, nil, nil, Config{}, logger.NewNop()); err == nil {
		t.Error("nil handler accepted")
	}
	if _, err := New("x", cred, []uint32{1}, nil, &tickSink{}, Config{URL: "http://x"}, logger.NewNop()); err == nil {
		t.Error("non-websocket url accepted")
	}
}

func TestFeedURL(t *testing.T) {
	got, err := FeedURL(DefaultURL, "abc", "x/y")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://ws.kite.trade?access_token=x%2Fy&api_key=abc" {
		t.Errorf("FeedURL = %s", got)
	}
}
