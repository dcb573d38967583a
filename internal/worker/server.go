package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/wire"
)

// eventPollInterval paces the subscription drain loop.
const eventPollInterval = 100 * time.Millisecond

// serveConn runs the request loop of one forward connection. Requests
// on a single connection are answered in order; concurrency comes
// from the host opening more connections (the event stream uses a
// dedicated one).
func (w *Worker) serveConn(conn net.Conn) {
	defer conn.Close()
	codec := wire.NewCodec(conn)

	for {
		env, err := codec.Receive()
		if err != nil {
			return
		}

		switch env.Type {
		case wire.MsgTypeInitialize:
			w.reply(codec, env.ID, w.doInitialize(env))
		case wire.MsgTypeGetCommands:
			w.reply(codec, env.ID, w.doGetCommands(env))
		case wire.MsgTypeExecute:
			w.reply(codec, env.ID, w.doExecute(env))
		case wire.MsgTypeSubscribe:
			// The acknowledgment precedes the stream; after it this
			// connection speaks only events.
			w.reply(codec, env.ID, okEnvelope(env.ID, nil))
			w.streamEvents(codec, subscribeTypes(env))
			return
		case wire.MsgTypeShutdown:
			w.reply(codec, env.ID, okEnvelope(env.ID, nil))
			time.AfterFunc(shutdownDelay, w.Stop)
			return
		default:
			w.reply(codec, env.ID, wire.ErrResponse(env.ID,
				dderr.Newf(dderr.KindUnknownMethod, "unknown message type %d", env.Type)))
		}
	}
}

func (w *Worker) reply(codec *wire.Codec, id string, env *wire.Envelope) {
	if env == nil {
		env = wire.ErrResponse(id, dderr.New(dderr.KindInternal, "empty reply"))
	}
	if err := codec.Send(env); err != nil {
		w.log.Debug().Err(err).Msg("reply failed")
	}
}

func okEnvelope(id string, data any) *wire.Envelope {
	env, err := wire.OKResponse(id, data)
	if err != nil {
		return wire.ErrResponse(id, err)
	}
	return env
}

func (w *Worker) doInitialize(env *wire.Envelope) *wire.Envelope {
	var req wire.InitializeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.ErrResponse(env.ID, dderr.Wrap(dderr.KindInvalidRequest, "bad initialize request", err))
	}
	result, err := w.handleInitialize(req)
	if err != nil {
		return wire.ErrResponse(env.ID, err)
	}
	return okEnvelope(env.ID, result)
}

func (w *Worker) doGetCommands(env *wire.Envelope) *wire.Envelope {
	plug, _, err := w.plugin()
	if err != nil {
		return wire.ErrResponse(env.ID, err)
	}
	return okEnvelope(env.ID, wire.GetCommandsResult{Commands: plug.GetCommands()})
}

// doExecute serializes command execution per worker. Panics inside
// plugin code are contained here so one bad command cannot take the
// event stream down with it.
func (w *Worker) doExecute(env *wire.Envelope) *wire.Envelope {
	var req wire.ExecuteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.ErrResponse(env.ID, dderr.Wrap(dderr.KindInvalidRequest, "bad execute request", err))
	}
	plug, _, err := w.plugin()
	if err != nil {
		return wire.ErrResponse(env.ID, err)
	}

	w.execMu.Lock()
	result, err := w.runCommand(plug.Execute, req)
	w.execMu.Unlock()

	if err != nil {
		if dderr.KindOf(err) == dderr.KindInternal {
			err = dderr.Wrap(dderr.KindCommandFailed, fmt.Sprintf("command %s", req.Command), err)
		}
		return wire.ErrResponse(env.ID, err)
	}
	return okEnvelope(env.ID, wire.ExecuteResult{Result: result, CorrelationID: req.CorrelationID})
}

func (w *Worker) runCommand(exec func(context.Context, string, []byte) ([]byte, error), req wire.ExecuteRequest) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dderr.Newf(dderr.KindCommandFailed, "command %s panicked: %v", req.Command, r)
		}
	}()
	return exec(context.Background(), req.Command, req.Payload)
}

func subscribeTypes(env *wire.Envelope) map[string]bool {
	var req wire.SubscribeRequest
	if len(env.Payload) > 0 {
		json.Unmarshal(env.Payload, &req)
	}
	if len(req.Types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		set[t] = true
	}
	return set
}

// streamEvents drains the context's event log in producer order.
// Starting from cursor zero guarantees events emitted before the
// subscription acknowledgment are still delivered.
func (w *Worker) streamEvents(codec *wire.Codec, types map[string]bool) {
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	var cursor uint64
	for {
		_, pctx, err := w.plugin()
		if err == nil {
			batch, next := pctx.EventsSince(cursor)
			cursor = next
			for _, evt := range batch {
				if types != nil && !types[evt.Type] {
					continue
				}
				frame := wire.EventFrame{
					PluginID:  evt.PluginID,
					Type:      evt.Type,
					Payload:   evt.Payload,
					Timestamp: evt.Timestamp,
					Metadata:  evt.Metadata,
				}
				payload, err := json.Marshal(frame)
				if err != nil {
					continue
				}
				if err := codec.Send(&wire.Envelope{Type: wire.MsgTypeEvent, Payload: payload}); err != nil {
					return
				}
			}
		}

		select {
		case <-w.quit:
			return
		case <-ticker.C:
		}
	}
}
