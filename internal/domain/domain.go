// Package domain holds the shared types of the plugin runtime: host
// connections, worker lifecycle, plugin manifests and events, and the
// indexed component model with its filter language.
package domain

import "time"

// Connection identifies one remote environment the user works against.
// Auth state is derived from the token cache at query time and never
// persisted with the connection itself.
type Connection struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	URL    string `json:"url" yaml:"url"`
	Active bool   `json:"active" yaml:"active"`

	IsAuthenticated bool   `json:"isAuthenticated,omitempty" yaml:"-"`
	Principal       string `json:"principal,omitempty" yaml:"-"`
}

// TokenRecord is one cached access token for a (connection, resource)
// pair, including the refresh material needed to renew it silently.
type TokenRecord struct {
	ConnectionID string    `json:"connectionId"`
	Resource     string    `json:"resource"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Principal    string    `json:"principal"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Invalid      bool      `json:"invalid,omitempty"`
}

// WorkerState tracks the health of one worker process.
type WorkerState string

const (
	WorkerStarting   WorkerState = "Starting"
	WorkerReady      WorkerState = "Ready"
	WorkerUnhealthy  WorkerState = "Unhealthy"
	WorkerTerminated WorkerState = "Terminated"
)

// WorkerKey identifies a worker instance. InstanceID is a fresh opaque
// id per tab so two tabs of the same plugin get isolated processes.
type WorkerKey struct {
	PluginID   string
	InstanceID string
}

func (k WorkerKey) String() string { return k.PluginID + "/" + k.InstanceID }

// Command describes one invocable plugin command.
type Command struct {
	Name          string `json:"name"`
	Label         string `json:"label"`
	Description   string `json:"description,omitempty"`
	PayloadSchema string `json:"payloadSchema,omitempty"`
}

// Event is one plugin-emitted event delivered over the forward stream.
type Event struct {
	PluginID  string            `json:"pluginId"`
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event types surfaced by the core plugin subsystem.
const (
	EventIndexProgress  = "plugin:sla:index-progress"
	EventIndexComplete  = "plugin:sla:index-complete"
	EventQueryResult    = "plugin:sla:query-result"
	EventSessionExpired = "session:expired"
)

// Manifest is the plugin descriptor the host consumes at discovery.
// Unknown fields are ignored.
type Manifest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Backend     ManifestBackend `json:"backend"`
}

// ManifestBackend locates the plugin binary and its entry point symbol.
type ManifestBackend struct {
	Assembly   string `json:"assembly"`
	EntryPoint string `json:"entryPoint"`
}
