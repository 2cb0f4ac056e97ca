// ABOUTME: WebSocket client for the server's real-time deal event feed
// ABOUTME: One reader goroutine per subscription delivers events in order
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"
)

// WebSocketStream implements Stream.
type WebSocketStream struct {
	baseURL string
	tokens  oauth2.TokenSource
}

// NewWebSocketStream creates a stream client for the server at baseURL (http or https).
func NewWebSocketStream(baseURL string, ts oauth2.TokenSource) *WebSocketStream {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &WebSocketStream{baseURL: baseURL, tokens: ts}
}

func (s *WebSocketStream) streamURL(scope string) string {
	u := s.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + dealsPath(scope) + "/stream"
}

func (s *WebSocketStream) Subscribe(ctx context.Context, scope string, handler Handler) (Subscription, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get stream token: %w", err)
		}
		token.SetAuthHeader(&http.Request{Header: opts.HTTPHeader})
	}

	conn, _, err := websocket.Dial(ctx, s.streamURL(scope), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go sub.read(readCtx, handler)
	return sub, nil
}

type wsSubscription struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
}

func (s *wsSubscription) read(ctx context.Context, handler Handler) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.done <- err
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		handler(ev)
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (s *wsSubscription) Done() <-chan error {
	return s.done
}
