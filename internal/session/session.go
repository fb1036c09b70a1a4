// Package session держит одно upstream-соединение для пары
// (учётная запись, набор токенов): handshake, heartbeat, приём фреймов
// и бесконечное переподключение с теми же аргументами.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/tick-saver/internal/decoder"
	"github.com/YaganovValera/tick-saver/internal/market"
	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// ErrHeartbeat - не удалось отправить ping; соединение считается потерянным.
var ErrHeartbeat = errors.New("session: heartbeat failed")

var pingPayload = []byte("ping")

// DefaultURL - адрес upstream-потока.
const DefaultURL = "wss://ws.kite.trade"

// TickHandler получает тики в порядке прихода по этой сессии.
type TickHandler interface {
	HandleTick(ctx context.Context, t market.Tick)
}

// TickHandlerFunc - адаптер функции к TickHandler.
type TickHandlerFunc func(ctx context.Context, t market.Tick)

func (f TickHandlerFunc) HandleTick(ctx context.Context, t market.Tick) { f(ctx, t) }

// Config - параметры соединения.
type Config struct {
	URL              string        `mapstructure:"url"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	ReadBufferSize   int           `mapstructure:"read_buffer"`
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Credentials - пара ключей для URL подписки.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// Option настраивает Session.
type Option func(*Session)

// WithDialer подменяет Dialer.
func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

// WithStateObserver вызывает fn при каждой смене состояния.
func WithStateObserver(fn func(State)) Option { return func(s *Session) { s.observe = fn } }

// Session - одна upstream-подписка.
type Session struct {
	name    string
	url     string
	tokens  []uint32
	symbols map[uint32]string
	cfg     Config
	dialer  Dialer
	handler TickHandler
	observe func(State)
	log     *logger.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	connects      atomic.Int64
}

// New создаёт сессию. tokens и symbols фиксированы на всё время жизни.
func New(name string, cred Credentials, tokens []uint32, symbols map[uint32]string,
	handler TickHandler, cfg Config, log *logger.Logger, opts ...Option) (*Session, error) {

	cfg.applyDefaults()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("session %s: no tokens assigned", name)
	}
	if handler == nil {
		return nil, fmt.Errorf("session %s: handler is nil", name)
	}
	u, err := FeedURL(cfg.URL, cred.APIKey, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	s := &Session{
		name:    name,
		url:     u,
		tokens:  append([]uint32(nil), tokens...),
		symbols: symbols,
		cfg:     cfg,
		dialer:  WSDialer{HandshakeTimeout: cfg.HandshakeTimeout, ReadBufferSize: cfg.ReadBufferSize},
		handler: handler,
		log:     log.Named("session").With(zap.String("session", name), zap.Int("tokens", len(tokens))),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handshake - управляющее сообщение подписки в режиме full.
func Handshake(tokens []uint32) ([]byte, error) {
	return json.Marshal(map[string]any{
		"a": "mode",
		"v": []any{"full", tokens},
	})
}

// Name - имя сессии.
func (s *Session) Name() string { return s.name }

// Tokens - копия назначенных токенов.
func (s *Session) Tokens() []uint32 { return append([]uint32(nil), s.tokens...) }

// State - текущее состояние.
func (s *Session) State() State { return State(s.state.Load()) }

// Connects - число попыток соединения с момента запуска.
func (s *Session) Connects() int64 { return s.connects.Load() }

// LastHeartbeat - время последнего успешного ping.
func (s *Session) LastHeartbeat() time.Time {
	ns := s.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.observe != nil {
		s.observe(st)
	}
}

// Run держит соединение до отмены ctx. Любой сбой соединения ведёт
// к новому циклу Connecting с теми же токенами.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(Stopped)
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(Connecting)
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.setState(Reconnecting)
		metrics.Reconnects.Inc()
		s.log.Warn("connection lost, reconnecting",
			zap.Int64("attempt", s.connects.Load()),
			zap.Error(err),
		)
		if s.cfg.ReconnectDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.ReconnectDelay):
			}
		}
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.connects.Add(1)
	ctx = logger.ContextWithConnID(ctx, uuid.NewString())
	log := s.log.WithContext(ctx)

	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		s.setState(Degraded)
		return err
	}
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			if err := conn.Close(); err != nil {
				log.Debug("close failed", zap.Error(err))
			}
		})
	}
	defer closeConn()

	s.setState(Active)
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	msg, err := Handshake(s.tokens)
	if err != nil {
		s.setState(Degraded)
		return fmt.Errorf("session: handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.setState(Degraded)
		return fmt.Errorf("session: handshake: %w", err)
	}
	log.Info("connected, subscription sent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeat(gctx, conn) })
	g.Go(func() error { return s.receive(gctx, conn, log) })
	g.Go(func() error {
		<-gctx.Done()
		closeConn()
		return nil
	})
	err = g.Wait()
	s.setState(Degraded)
	return err
}

func (s *Session) heartbeat(ctx context.Context, conn Conn) error {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := conn.WriteMessage(websocket.BinaryMessage, pingPayload); err != nil {
				return fmt.Errorf("%w: %v", ErrHeartbeat, err)
			}
			s.lastHeartbeat.Store(time.Now().UnixNano())
		}
	}
}

func (s *Session) receive(ctx context.Context, conn Conn, log *logger.Logger) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}
		switch typ {
		case websocket.BinaryMessage:
			metrics.FramesTotal.WithLabelValues("binary").Inc()
			s.dispatch(ctx, data, time.Now(), log)
		case websocket.TextMessage:
			metrics.FramesTotal.WithLabelValues("text").Inc()
			textMessage(data, log)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, frame []byte, received time.Time, log *logger.Logger) {
	for p := range decoder.Decode(frame) {
		metrics.PacketsTotal.WithLabelValues(p.Kind.String()).Inc()
		symbol, ok := s.symbols[p.Token]
		if !ok {
			metrics.TicksDropped.WithLabelValues("unmapped").Inc()
			log.Debug("unmapped token", zap.Uint32("token", p.Token))
			continue
		}
		s.handler.HandleTick(ctx, market.FromPacket(symbol, p, received))
	}
}

func textMessage(data []byte, log *logger.Logger) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Debug("unparseable text frame", zap.ByteString("raw", data))
		return
	}
	log.Info("upstream message", zap.Any("payload", payload))
}
