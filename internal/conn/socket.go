package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// ErrSocketClosed is returned by Socket.Read after a normal close by the peer.
var ErrSocketClosed = errors.New("socket closed")

// Socket is one open duplex connection carrying text frames.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// maxFrameBytes bounds a single inbound frame. Full chat histories arrive in one frame.
const maxFrameBytes = 4 << 20

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial opens a websocket connection to url.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsSocket{c: c}, nil
}

type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrSocketClosed
		}
		return nil, err
	}
	return data, nil
}

func (s *wsSocket) Write(ctx context.Context, frame []byte) error {
	return s.c.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSocket) Close(reason string) error {
	return s.c.Close(websocket.StatusNormalClosure, reason)
}
