package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pitchcoach/internal/credential"
	"github.com/ent0n29/pitchcoach/internal/protocol"
	"github.com/ent0n29/pitchcoach/internal/reliability"
)

// Conn is the subset of *websocket.Conn the transport relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, cred credential.Credential) (Conn, error)
}

// WebsocketDialer opens agent connections with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  16 << 10,
	}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, cred credential.Credential) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{}
	headers.Set("Authorization", cred.AuthorizationHeader())

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil && reliability.IsRateLimitedStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w: handshake status %d", ErrOpenFailed, reliability.ErrRateLimited, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial agent websocket: %v", ErrOpenFailed, err)
	}
	return conn, nil
}

func (t *Transport) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.out:
			msgType := websocket.TextMessage
			kind := "text"
			if frame.Binary {
				msgType = websocket.BinaryMessage
				kind = "binary"
			}
			if err := l.conn.WriteMessage(msgType, frame.Data); err != nil {
				select {
				case <-l.done:
				default:
					t.metrics.ObserveError("transport_write_failed")
					t.fail(l.gen, fmt.Errorf("%w: write: %v", ErrClosedUnexpectedly, err))
				}
				return
			}
			t.metrics.ObserveFrame("outbound", kind)
		}
	}
}

func (t *Transport) readLoop(l *link) {
	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr) && reliability.IsRateLimitedCloseReason(closeErr.Text):
				t.fail(l.gen, fmt.Errorf("%w: %w: %v", ErrClosedUnexpectedly, reliability.ErrRateLimited, err))
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				t.lost(l.gen, err)
			default:
				t.metrics.ObserveError("transport_closed_unexpectedly")
				t.fail(l.gen, fmt.Errorf("%w: %v", ErrClosedUnexpectedly, err))
			}
			return
		}
		frame := protocol.Frame{Binary: msgType == websocket.BinaryMessage, Data: data}
		if frame.Binary {
			t.metrics.ObserveFrame("inbound", "binary")
		} else {
			t.metrics.ObserveFrame("inbound", "text")
		}
		if t.handlers.OnFrame != nil {
			t.handlers.OnFrame(frame)
		}
	}
}
