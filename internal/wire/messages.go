package wire

import (
	"encoding/json"
	"time"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
)

// Forward channel message types.
const (
	MsgTypeInitialize  = 1
	MsgTypeGetCommands = 2
	MsgTypeExecute     = 3
	MsgTypeSubscribe   = 4
	MsgTypeShutdown    = 5
	MsgTypeResp        = 6
	MsgTypeEvent       = 7
)

// Reverse channel message types. MsgTypeResp is shared.
const (
	MsgTypeGetAccessToken = 10
)

// InitializeRequest is sent once per worker lifetime. The token
// callback socket travels only here, never via argv or environment.
type InitializeRequest struct {
	PluginID            string            `json:"pluginId"`
	StoragePath         string            `json:"storagePath"`
	Config              map[string]string `json:"config,omitempty"`
	TokenCallbackSocket string            `json:"tokenCallbackSocket"`
	ActiveConnectionID  string            `json:"activeConnectionId"`
	ActiveConnectionURL string            `json:"activeConnectionUrl"`
}

// InitializeResult reports the loaded plugin's identity.
type InitializeResult struct {
	PluginName    string `json:"pluginName"`
	PluginVersion string `json:"pluginVersion"`
}

// GetCommandsResult lists the plugin's commands.
type GetCommandsResult struct {
	Commands []domain.Command `json:"commands"`
}

// ExecuteRequest invokes one command. Payload and result are opaque
// byte strings; the encoding is the plugin's concern.
type ExecuteRequest struct {
	Command       string `json:"command"`
	Payload       []byte `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ExecuteResult carries the command result.
type ExecuteResult struct {
	Result        []byte `json:"result,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// SubscribeRequest opens the event stream. Empty Types means all.
type SubscribeRequest struct {
	Types []string `json:"types,omitempty"`
}

// EventFrame is one server-streamed event on a subscription channel.
type EventFrame struct {
	PluginID  string            `json:"pluginId"`
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TokenRequest asks the host for an access token. An empty
// ConnectionID means the worker's initially bound connection.
type TokenRequest struct {
	ConnectionID string `json:"connectionId,omitempty"`
	Resource     string `json:"resource"`
}

// TokenResult carries the token back to the worker. It exists only in
// process memory on the worker side.
type TokenResult struct {
	AccessToken   string `json:"accessToken"`
	ExpiresAtUnix int64  `json:"expiresAtUnix"`
}

// Response is the generic reply frame.
type Response struct {
	OK    bool            `json:"ok"`
	Kind  string          `json:"kind,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OKResponse builds a success frame around data.
func OKResponse(id string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	body, err := json.Marshal(Response{OK: true, Data: raw})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: MsgTypeResp, ID: id, Payload: body}, nil
}

// ErrResponse builds a failure frame carrying the error's kind.
func ErrResponse(id string, err error) *Envelope {
	body, _ := json.Marshal(Response{
		OK:    false,
		Kind:  string(dderr.KindOf(err)),
		Error: err.Error(),
	})
	return &Envelope{Type: MsgTypeResp, ID: id, Payload: body}
}

// DecodeResponse parses a response frame and reconstructs its error.
func DecodeResponse(env *Envelope, out any) error {
	var resp Response
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return dderr.FromWire(resp.Kind, resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}
