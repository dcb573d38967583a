// Package tokencb implements the reverse RPC channel: a single-method
// token callback served by the host and called by workers. Tokens
// travel only over this channel, never through argv, environment, or
// files in the worker's reach.
package tokencb

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/wire"
)

// TokenSource is the host-side provider behind the callback.
type TokenSource interface {
	GetAccessToken(ctx context.Context, connectionID, resource string) (token string, expiresAt time.Time, err error)
}

// Server serves GetAccessToken on one reverse endpoint. One server is
// started per worker; it accepts re-connection whenever the worker's
// channel resets.
type Server struct {
	ep       wire.Endpoint
	src      TokenSource
	boundCID string // the worker's initially bound connection
	timeout  time.Duration

	ln   net.Listener
	log  zerolog.Logger
	wg   sync.WaitGroup
	mu   sync.Mutex
	done bool
}

// NewServer creates a reverse server bound to one worker's endpoint.
// boundConnectionID resolves the empty connection id in requests.
func NewServer(ep wire.Endpoint, src TokenSource, boundConnectionID string) *Server {
	return &Server{
		ep:       ep,
		src:      src,
		boundCID: boundConnectionID,
		timeout:  30 * time.Second,
		log:      logging.Component("tokencb"),
	}
}

// Start binds the endpoint and begins accepting.
func (s *Server) Start() error {
	ln, err := wire.Listen(s.ep)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the endpoint address handed to the worker.
func (s *Server) Addr() string { return s.ep.String() }

// Stop closes the listener and waits for in-flight handlers.
func (s *Server) Stop() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()
			if done {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if err := checkPeer(conn); err != nil {
			s.log.Warn().Err(err).Msg("rejecting peer")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	codec := wire.NewCodec(conn)
	for {
		env, err := codec.Receive()
		if err != nil {
			return
		}

		var reply *wire.Envelope
		switch env.Type {
		case wire.MsgTypeGetAccessToken:
			reply = s.handleToken(env)
		default:
			reply = wire.ErrResponse(env.ID, dderr.Newf(dderr.KindUnknownMethod, "unknown message type %d", env.Type))
		}
		if err := codec.Send(reply); err != nil {
			return
		}
	}
}

func decodePayload(env *wire.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, out)
}

func (s *Server) handleToken(env *wire.Envelope) *wire.Envelope {
	var req wire.TokenRequest
	if err := decodePayload(env, &req); err != nil {
		return wire.ErrResponse(env.ID, dderr.Wrap(dderr.KindInvalidRequest, "bad token request", err))
	}

	connectionID := req.ConnectionID
	if connectionID == "" {
		connectionID = s.boundCID
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	token, expiresAt, err := s.src.GetAccessToken(ctx, connectionID, req.Resource)
	if err != nil {
		return wire.ErrResponse(env.ID, err)
	}

	reply, err := wire.OKResponse(env.ID, wire.TokenResult{
		AccessToken:   token,
		ExpiresAtUnix: expiresAt.Unix(),
	})
	if err != nil {
		return wire.ErrResponse(env.ID, err)
	}
	return reply
}
