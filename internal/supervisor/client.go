package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/wire"
)

// Client is the host-side handle to one worker's forward endpoint.
// Calls are serialized per connection; the event stream runs on a
// dedicated second connection so it never queues behind Execute.
type Client struct {
	ep      wire.Endpoint
	timeout time.Duration

	mu    sync.Mutex
	codec *wire.Codec
}

// NewClient prepares a client for the endpoint. The first call dials.
func NewClient(ep wire.Endpoint, timeout time.Duration) *Client {
	return &Client{ep: ep, timeout: timeout}
}

// Close drops the request connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.codec == nil {
		return nil
	}
	err := c.codec.Close()
	c.codec = nil
	return err
}

func (c *Client) dialLocked() error {
	conn, err := wire.Dial(c.ep, c.timeout)
	if err != nil {
		return err
	}
	c.codec = wire.NewCodec(conn)
	return nil
}

// Call performs one request/response with a deadline. A connection
// reset triggers exactly one transparent redial.
func (c *Client) Call(ctx context.Context, msgType int, payload any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	env := &wire.Envelope{Type: msgType, ID: uuid.NewString(), Payload: raw}

	start := time.Now()
	defer func() {
		metrics.Global().RPCDuration.WithLabelValues(methodName(msgType)).
			Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if c.codec == nil {
			if lastErr = c.dialLocked(); lastErr != nil {
				continue
			}
		}

		deadline := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.codec.Conn().SetDeadline(deadline)

		if lastErr = c.codec.Send(env); lastErr != nil {
			_ = c.closeLocked()
			if wire.IsBrokenConn(lastErr) {
				continue
			}
			return lastErr
		}
		reply, err := c.codec.Receive()
		if err != nil {
			_ = c.closeLocked()
			if wire.IsBrokenConn(err) {
				lastErr = err
				continue
			}
			return err
		}
		_ = c.codec.Conn().SetDeadline(time.Time{})
		return wire.DecodeResponse(reply, out)
	}
	return dderr.Wrap(dderr.KindWorkerTerminated, "worker endpoint unreachable", lastErr)
}

// Subscribe opens the event stream on its own connection. The
// returned channel closes when ctx is cancelled or the worker goes
// away.
func (c *Client) Subscribe(ctx context.Context, types []string) (<-chan domain.Event, error) {
	conn, err := wire.Dial(c.ep, c.timeout)
	if err != nil {
		return nil, dderr.Wrap(dderr.KindWorkerTerminated, "dial event stream", err)
	}
	codec := wire.NewCodec(conn)

	payload, err := json.Marshal(wire.SubscribeRequest{Types: types})
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if err := codec.Send(&wire.Envelope{Type: wire.MsgTypeSubscribe, ID: uuid.NewString(), Payload: payload}); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := codec.Receive()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := wire.DecodeResponse(ack, nil); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	events := make(chan domain.Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			env, err := codec.Receive()
			if err != nil {
				return
			}
			if env.Type != wire.MsgTypeEvent {
				continue
			}
			var frame wire.EventFrame
			if err := json.Unmarshal(env.Payload, &frame); err != nil {
				continue
			}
			evt := domain.Event{
				PluginID:  frame.PluginID,
				Type:      frame.Type,
				Payload:   frame.Payload,
				Timestamp: frame.Timestamp,
				Metadata:  frame.Metadata,
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func methodName(msgType int) string {
	switch msgType {
	case wire.MsgTypeInitialize:
		return "Initialize"
	case wire.MsgTypeGetCommands:
		return "GetCommands"
	case wire.MsgTypeExecute:
		return "Execute"
	case wire.MsgTypeSubscribe:
		return "SubscribeEvents"
	case wire.MsgTypeShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}
