package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn - то, что сессии нужно от websocket-соединения.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer открывает соединение с upstream.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer - Dialer поверх gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
}

// Dial открывает websocket-соединение.
func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("session: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	return conn, nil
}

// FeedURL добавляет к base параметры api_key и access_token.
func FeedURL(base, apiKey, accessToken string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("session: feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("session: feed url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
