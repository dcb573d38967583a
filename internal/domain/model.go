package domain

import "time"

// Solution is a publisher-owned collection of components.
type Solution struct {
	ID           string `json:"id" db:"solution_id"`
	UniqueName   string `json:"uniqueName" db:"unique_name"`
	FriendlyName string `json:"friendlyName" db:"friendly_name"`
	Publisher    string `json:"publisher" db:"publisher"`
	IsManaged    bool   `json:"isManaged" db:"is_managed"`
	Version      string `json:"version" db:"version"`
	IsSource     bool   `json:"isSource" db:"is_source"`
	IsTarget     bool   `json:"isTarget" db:"is_target"`
}

// Component is one named, typed unit of the remote data model.
type Component struct {
	ID               string `json:"id" db:"component_id"`
	ComponentType    string `json:"componentType" db:"component_type"`
	TypeCode         int    `json:"typeCode" db:"type_code"`
	ObjectID         string `json:"objectId" db:"object_id"`
	LogicalName      string `json:"logicalName" db:"logical_name"`
	DisplayName      string `json:"displayName" db:"display_name"`
	TableLogicalName string `json:"tableLogicalName" db:"table_logical_name"`
}

// Layer is one versioned contribution to a component by one solution.
// Ordinals are dense per component and start at 0 (base).
type Layer struct {
	ID            string    `json:"id" db:"layer_id"`
	ComponentID   string    `json:"componentId" db:"component_id"`
	Ordinal       int       `json:"ordinal" db:"ordinal"`
	SolutionID    string    `json:"solutionId" db:"solution_id"`
	SolutionName  string    `json:"solutionName" db:"solution_name"`
	Publisher     string    `json:"publisher" db:"publisher"`
	IsManaged     bool      `json:"isManaged" db:"is_managed"`
	Version       string    `json:"version" db:"version"`
	CreatedOn     time.Time `json:"createdOn" db:"created_on"`
	ComponentJSON string    `json:"componentJson,omitempty" db:"component_json"`
}

// LayerAttribute is one normalized top-level attribute of a layer's
// component payload. IsChanged is surfaced exactly as received from the
// source system's change record, with no inferred semantics.
type LayerAttribute struct {
	ID             string `json:"id" db:"attribute_id"`
	LayerID        string `json:"layerId" db:"layer_id"`
	Name           string `json:"name" db:"name"`
	FormattedValue string `json:"formattedValue" db:"formatted_value"`
	RawValue       string `json:"rawValue" db:"raw_value"`
	TypeTag        string `json:"typeTag" db:"type_tag"`
	IsComplex      bool   `json:"isComplex" db:"is_complex"`
	IsChanged      bool   `json:"isChanged" db:"is_changed"`
}

// Artifact caches a fetched component payload for lazy payload mode.
type Artifact struct {
	ID          string    `json:"id" db:"artifact_id"`
	ComponentID string    `json:"componentId" db:"component_id"`
	SolutionID  string    `json:"solutionId" db:"solution_id"`
	PayloadType string    `json:"payloadType" db:"payload_type"`
	PayloadText string    `json:"payloadText" db:"payload_text"`
	CachedOn    time.Time `json:"cachedOn" db:"cached_on"`
}

// IndexStatus is the lifecycle of one index operation. Once Completed
// or Failed, the row is immutable.
type IndexStatus string

const (
	IndexInProgress IndexStatus = "InProgress"
	IndexCompleted  IndexStatus = "Completed"
	IndexFailed     IndexStatus = "Failed"
)

// IndexOperation records one run of the indexer.
type IndexOperation struct {
	ID          string      `json:"operationId" db:"operation_id"`
	Status      IndexStatus `json:"status" db:"status"`
	StartedAt   time.Time   `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time  `json:"completedAt,omitempty" db:"completed_at"`
	Stats       IndexStats  `json:"stats"`
	Warnings    []string    `json:"warnings,omitempty"`
	Error       string      `json:"error,omitempty" db:"error"`
}

// IndexStats aggregates what one index operation wrote.
type IndexStats struct {
	Solutions  int `json:"solutions"`
	Components int `json:"components"`
	Layers     int `json:"layers"`
	Attributes int `json:"attributes"`
}

// PayloadMode selects when component payloads are fetched.
type PayloadMode string

const (
	PayloadLazy  PayloadMode = "lazy"
	PayloadEager PayloadMode = "eager"
)

// IndexParams are the inputs of StartIndex.
type IndexParams struct {
	ConnectionID          string      `json:"connectionId"`
	SourceSolutions       []string    `json:"sourceSolutions"`
	TargetSolutions       []string    `json:"targetSolutions"`
	IncludeComponentTypes []int       `json:"includeComponentTypes,omitempty"`
	MaxParallel           int         `json:"maxParallel,omitempty"`
	PayloadMode           PayloadMode `json:"payloadMode,omitempty"`
}

// IndexPhase names one pipeline phase for progress events.
type IndexPhase string

const (
	PhaseSolutions  IndexPhase = "solutions"
	PhaseComponents IndexPhase = "components"
	PhaseLayers     IndexPhase = "layers"
	PhaseAttributes IndexPhase = "attributes"
)

// IndexProgress is the payload of plugin:sla:index-progress events.
type IndexProgress struct {
	OperationID string     `json:"operationId"`
	Phase       IndexPhase `json:"phase"`
	Percent     float64    `json:"percent"`
	Current     int        `json:"current"`
	Total       int        `json:"total"`
}

// IndexCompletion is the payload of plugin:sla:index-complete events.
type IndexCompletion struct {
	OperationID  string     `json:"operationId"`
	Success      bool       `json:"success"`
	Stats        IndexStats `json:"stats"`
	Warnings     []string   `json:"warnings,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// IndexMetadata answers GetIndexMetadata.
type IndexMetadata struct {
	HasIndex        bool       `json:"hasIndex"`
	SourceSolutions []string   `json:"sourceSolutions,omitempty"`
	TargetSolutions []string   `json:"targetSolutions,omitempty"`
	Stats           *IndexStats `json:"stats,omitempty"`
	DroppedEvents   uint64     `json:"droppedEvents,omitempty"`
}
