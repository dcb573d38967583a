package tokencb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddk-dev/ddk/internal/wire"
)

// Client is the worker-side handle to the reverse channel. It keeps
// one connection open and redials when the channel resets.
type Client struct {
	ep wire.Endpoint

	mu    sync.Mutex
	codec *wire.Codec
}

// NewClient parses the endpoint address received during Initialize.
func NewClient(addr string) (*Client, error) {
	ep, err := wire.ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	return &Client{ep: ep}, nil
}

// Close drops the connection.
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
	conn, err := wire.Dial(c.ep, 5*time.Second)
	if err != nil {
		return err
	}
	c.codec = wire.NewCodec(conn)
	return nil
}

// GetAccessToken calls the host. The empty connection id means the
// worker's initially bound connection. A reset channel is redialed
// once before the error propagates.
func (c *Client) GetAccessToken(ctx context.Context, connectionID, resource string) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(wire.TokenRequest{ConnectionID: connectionID, Resource: resource})
	if err != nil {
		return "", time.Time{}, err
	}
	env := &wire.Envelope{Type: wire.MsgTypeGetAccessToken, ID: uuid.NewString(), Payload: payload}

	var result wire.TokenResult
	for attempt := 0; attempt < 2; attempt++ {
		if c.codec == nil {
			if err = c.dialLocked(); err != nil {
				continue
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.codec.Conn().SetDeadline(deadline)
		}

		if err = c.codec.Send(env); err != nil {
			_ = c.closeLocked()
			if wire.IsBrokenConn(err) {
				continue
			}
			return "", time.Time{}, err
		}

		var reply *wire.Envelope
		reply, err = c.codec.Receive()
		if err != nil {
			_ = c.closeLocked()
			if wire.IsBrokenConn(err) {
				continue
			}
			return "", time.Time{}, err
		}
		_ = c.codec.Conn().SetDeadline(time.Time{})

		if err = wire.DecodeResponse(reply, &result); err != nil {
			return "", time.Time{}, err
		}
		return result.AccessToken, time.Unix(result.ExpiresAtUnix, 0), nil
	}
	return "", time.Time{}, err
}
