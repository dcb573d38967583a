package domain

// FilterTag discriminates filter AST nodes.
type FilterTag string

const (
	FilterAnd FilterTag = "AND"
	FilterOr  FilterTag = "OR"
	FilterNot FilterTag = "NOT"

	FilterAttribute FilterTag = "ATTRIBUTE"
	FilterManaged   FilterTag = "MANAGED"

	FilterHas     FilterTag = "HAS"
	FilterHasAny  FilterTag = "HAS_ANY"
	FilterHasAll  FilterTag = "HAS_ALL"
	FilterHasNone FilterTag = "HAS_NONE"

	FilterOrderStrict FilterTag = "ORDER_STRICT"
	FilterOrderFlex   FilterTag = "ORDER_FLEX"

	FilterLayerQuery    FilterTag = "LAYER_QUERY"
	FilterSolutionQuery FilterTag = "SOLUTION_QUERY"
)

// StringOp is the comparison operator of ATTRIBUTE nodes.
type StringOp string

const (
	OpEquals        StringOp = "Equals"
	OpNotEquals     StringOp = "NotEquals"
	OpContains      StringOp = "Contains"
	OpNotContains   StringOp = "NotContains"
	OpBeginsWith    StringOp = "BeginsWith"
	OpNotBeginsWith StringOp = "NotBeginsWith"
	OpEndsWith      StringOp = "EndsWith"
	OpNotEndsWith   StringOp = "NotEndsWith"
)

// Component fields addressable by ATTRIBUTE nodes.
const (
	FieldLogicalName      = "logicalName"
	FieldDisplayName      = "displayName"
	FieldComponentType    = "componentType"
	FieldPublisher        = "publisher"
	FieldTableLogicalName = "tableLogicalName"
)

// Filter is one node of the query filter AST. The populated payload
// fields depend on Tag; the rest stay zero.
type Filter struct {
	Tag FilterTag `json:"tag"`

	// Boolean composition.
	Children []*Filter `json:"children,omitempty"`

	// ATTRIBUTE.
	Field    string   `json:"field,omitempty"`
	Operator StringOp `json:"operator,omitempty"`
	Value    string   `json:"value,omitempty"`

	// MANAGED.
	Managed *bool `json:"managed,omitempty"`

	// HAS variants and ORDER_* patterns: each element is a set of
	// solution unique names. HAS variants use a single set; ORDER_*
	// match the layer sequence against the pattern of sets.
	SolutionSets [][]string `json:"solutionSets,omitempty"`

	// LAYER_QUERY nested body, or a SOLUTION_QUERY supplying the
	// solution set of a HAS variant dynamically.
	Body *Filter `json:"body,omitempty"`

	// SOLUTION_QUERY attribute constraint.
	SolutionField string `json:"solutionField,omitempty"`
}

// Validate checks the structural well-formedness of the AST.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Tag {
	case FilterAnd, FilterOr:
		if len(f.Children) == 0 {
			return errEmptyChildren(f.Tag)
		}
		for _, c := range f.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	case FilterNot:
		if len(f.Children) != 1 {
			return errEmptyChildren(f.Tag)
		}
		return f.Children[0].Validate()
	case FilterAttribute:
		if f.Field == "" || f.Operator == "" {
			return errMissing("ATTRIBUTE requires field and operator")
		}
		switch f.Field {
		case FieldLogicalName, FieldDisplayName, FieldComponentType, FieldPublisher, FieldTableLogicalName:
		default:
			return errMissing("unknown attribute field " + f.Field)
		}
	case FilterManaged:
		if f.Managed == nil {
			return errMissing("MANAGED requires a boolean")
		}
	case FilterHas, FilterHasAny, FilterHasAll, FilterHasNone:
		if f.Body != nil {
			if f.Body.Tag != FilterSolutionQuery {
				return errMissing(string(f.Tag) + " body must be a solution query")
			}
			return f.Body.Validate()
		}
		if len(f.SolutionSets) == 0 || len(f.SolutionSets[0]) == 0 {
			return errMissing(string(f.Tag) + " requires a solution set or a solution query body")
		}
	case FilterOrderStrict, FilterOrderFlex:
		if len(f.SolutionSets) == 0 {
			return errMissing(string(f.Tag) + " requires a pattern")
		}
	case FilterLayerQuery:
		if f.Body == nil {
			return errMissing("LAYER_QUERY requires a body")
		}
		return f.Body.Validate()
	case FilterSolutionQuery:
		if f.SolutionField == "" || f.Operator == "" {
			return errMissing("SOLUTION_QUERY requires solutionField and operator")
		}
	default:
		return errMissing("unknown filter tag " + string(f.Tag))
	}
	return nil
}

type filterError string

func (e filterError) Error() string { return string(e) }

func errEmptyChildren(tag FilterTag) error {
	return filterError(string(tag) + " requires children")
}

func errMissing(msg string) error { return filterError(msg) }
