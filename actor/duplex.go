package actor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

// Limits bounds a duplex connection. Connections that exceed the message
// rate or size, or go idle past the timeout, are terminated.
type Limits struct {
	MaxMessageBytes int64
	MessagesPerSec  rate.Limit
	Burst           int
	IdleTimeout     time.Duration
}

// DefaultLimits are conservative bounds suitable for interactive RPC traffic.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 1 << 20, // 1 MiB
		MessagesPerSec:  20,
		Burst:           40,
		IdleTimeout:     5 * time.Minute,
	}
}

// ServeConn gives the actor ownership of an upgraded duplex connection.
// Inbound frames pass through the same method-classification path as HTTP
// bodies. The call returns when the peer disconnects, a limit is exceeded,
// or ctx is canceled.
func (a *Actor) ServeConn(ctx context.Context, conn *websocket.Conn, ident Context, limits Limits) error {
	defer conn.Close()

	if limits.MaxMessageBytes > 0 {
		conn.SetReadLimit(limits.MaxMessageBytes)
	}
	limiter := rate.NewLimiter(limits.MessagesPerSec, limits.Burst)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		// Unblock the read loop when the surrounding context ends.
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		if limits.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(limits.IdleTimeout)); err != nil {
				return err
			}
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				a.log.InfoContext(ctx, "duplex.idle.close", slog.String("key", a.key))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"),
					time.Now().Add(time.Second))
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if !limiter.Allow() {
			a.log.WarnContext(ctx, "duplex.rate.exceeded", slog.String("key", a.key))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "message rate exceeded"),
				time.Now().Add(time.Second))
			return nil
		}

		req, err := jsonrpc.ParseRequest(payload)
		if err != nil {
			if wErr := a.writeConnResponse(conn, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error(), nil)); wErr != nil {
				return wErr
			}
			continue
		}

		resp, err := a.Deliver(ctx, ident, req)
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if err := a.writeConnResponse(conn, resp); err != nil {
			return err
		}
	}
}

func (a *Actor) writeConnResponse(conn *websocket.Conn, resp *jsonrpc.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
