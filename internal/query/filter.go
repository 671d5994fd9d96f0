// Package query holds the backend-agnostic description of an observations
// list request: the compiled filter predicates and the requested page.
//
// Executors never see raw request parameters. They receive a Filter, which is
// an ordered list of Predicate values combined with AND, and translate each
// predicate into their own query language.
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

var (
	// ErrInvalidObservationType is returned when a type filter is outside the known domain.
	ErrInvalidObservationType = errors.New("invalid observation type")

	// ErrUnsupportedPredicate is returned by executors for a field/operator pair they cannot translate.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
)

// Field names a filterable attribute of an observation.
type Field string

const (
	FieldName                Field = "name"
	FieldType                Field = "type"
	FieldTraceID             Field = "traceId"
	FieldParentObservationID Field = "parentObservationId"
	FieldVersion             Field = "version"
	FieldUserID              Field = "userId" // resolved through the owning trace
	FieldStartTime           Field = "startTime"
)

// Operator is the comparison applied by a predicate.
type Operator string

const (
	OpEq  Operator = "eq"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
)

// Predicate is one compiled filter condition.
type Predicate struct {
	Field Field
	Op    Operator
	Value any
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value)
}

// Params are the optional filters of a list request. Zero values mean
// "no constraint".
type Params struct {
	Name                string
	UserID              string
	Type                string
	TraceID             string
	ParentObservationID string
	Version             string
	FromStartTime       *time.Time
	ToStartTime         *time.Time
}

// Filter is an immutable conjunction of predicates.
type Filter struct {
	predicates []Predicate
}

// Predicates returns a copy of the compiled predicates in compile order.
func (f Filter) Predicates() []Predicate {
	out := make([]Predicate, len(f.predicates))
	copy(out, f.predicates)
	return out
}

// IsEmpty reports whether the filter constrains nothing beyond the project scope.
func (f Filter) IsEmpty() bool {
	return len(f.predicates) == 0
}

// Compile turns request parameters into a Filter. Each field compiles on its
// own into either nothing or one predicate; time bounds are converted to UTC.
func Compile(params Params) (Filter, error) {
	var preds []Predicate

	eq := func(field Field, v string) {
		if v != "" {
			preds = append(preds, Predicate{Field: field, Op: OpEq, Value: v})
		}
	}

	eq(FieldName, params.Name)

	if params.Type != "" {
		t := models.ObservationType(params.Type)
		if !t.Valid() {
			return Filter{}, fmt.Errorf("%w: %q", ErrInvalidObservationType, params.Type)
		}
		preds = append(preds, Predicate{Field: FieldType, Op: OpEq, Value: string(t)})
	}

	eq(FieldTraceID, params.TraceID)
	eq(FieldParentObservationID, params.ParentObservationID)
	eq(FieldVersion, params.Version)
	eq(FieldUserID, params.UserID)

	if params.FromStartTime != nil {
		preds = append(preds, Predicate{Field: FieldStartTime, Op: OpGte, Value: params.FromStartTime.UTC()})
	}
	if params.ToStartTime != nil {
		preds = append(preds, Predicate{Field: FieldStartTime, Op: OpLt, Value: params.ToStartTime.UTC()})
	}

	return Filter{predicates: preds}, nil
}
