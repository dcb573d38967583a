package domain

// SortSpec orders query results by one field.
type SortSpec struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Paging is the skip/take window of a query. An absent Take means the
// default page size; an explicit take of zero returns no rows but
// still reports the total.
type Paging struct {
	Skip int  `json:"skip"`
	Take *int `json:"take,omitempty"`
}

// DefaultTake bounds result pages when the request leaves Take unset.
const DefaultTake = 500

// QueryRequest is the input of the query engine.
type QueryRequest struct {
	QueryID          string    `json:"queryId"`
	ConnectionID     string    `json:"connectionId"`
	Filter           *Filter   `json:"filter,omitempty"`
	GroupBy          []string  `json:"groupBy,omitempty"`
	Select           []string  `json:"select,omitempty"`
	Paging           Paging    `json:"paging"`
	Sort             []SortSpec `json:"sort,omitempty"`
	IncludePlanStats bool      `json:"includePlanStats,omitempty"`
	UseEventResponse bool      `json:"useEventResponse,omitempty"`
}

// QueryRow is one result row: the component plus its layer-solution
// sequence from base to top.
type QueryRow struct {
	Component Component `json:"component"`
	Solutions []string  `json:"solutions"`
	TopLayerManaged bool `json:"topLayerManaged"`
}

// QueryPlanStats makes the pushdown/residual split observable.
type QueryPlanStats struct {
	PreFetchDurationMs       int64   `json:"preFetchDurationMs"`
	SQLQueryDurationMs       int64   `json:"sqlQueryDurationMs"`
	InMemoryFilterDurationMs int64   `json:"inMemoryFilterDurationMs"`
	TotalDurationMs          int64   `json:"totalDurationMs"`
	RowsFromSQL              int     `json:"rowsFromSql"`
	RowsAfterFilter          int     `json:"rowsAfterFilter"`
	FilterEfficiency         float64 `json:"filterEfficiency"`
	UsedInMemoryFilter       bool    `json:"usedInMemoryFilter"`
	PlanDescription          string  `json:"planDescription"`
}

// QueryResult is the output of the query engine, synchronous or as the
// payload of a plugin:sla:query-result event.
type QueryResult struct {
	QueryID      string          `json:"queryId"`
	Success      bool            `json:"success"`
	Rows         []QueryRow      `json:"rows,omitempty"`
	Total        int             `json:"total"`
	Stats        *QueryPlanStats `json:"stats,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// QueryAck acknowledges an event-streamed query.
type QueryAck struct {
	QueryID string `json:"queryId"`
	Started bool   `json:"started"`
}

// DiffRequest compares one component between two solutions.
type DiffRequest struct {
	ConnectionID  string `json:"connectionId"`
	ComponentID   string `json:"componentId"`
	LeftSolution  string `json:"leftSolution"`
	RightSolution string `json:"rightSolution"`
}

// DiffAttribute is one attribute-level comparison row.
type DiffAttribute struct {
	Name        string `json:"name"`
	LeftValue   string `json:"leftValue"`
	RightValue  string `json:"rightValue"`
	TypeTag     string `json:"typeTag"`
	IsComplex   bool   `json:"isComplex"`
	OnlyInLeft  bool   `json:"onlyInLeft"`
	OnlyInRight bool   `json:"onlyInRight"`
	IsDifferent bool   `json:"isDifferent"`
}

// DiffResult is the output of the diff operation.
type DiffResult struct {
	Attributes []DiffAttribute `json:"attributes"`
	Warnings   []string        `json:"warnings,omitempty"`
}
