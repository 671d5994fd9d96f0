package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
)

func TestCompile_EmptyParams_ProducesNoPredicates(t *testing.T) {
	f, err := query.Compile(query.Params{})

	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Empty(t, f.Predicates())
}

func TestCompile_SingleFields(t *testing.T) {
	from := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		params   query.Params
		expected query.Predicate
	}{
		{"name", query.Params{Name: "call"}, query.Predicate{Field: query.FieldName, Op: query.OpEq, Value: "call"}},
		{"type", query.Params{Type: "GENERATION"}, query.Predicate{Field: query.FieldType, Op: query.OpEq, Value: "GENERATION"}},
		{"trace_id", query.Params{TraceID: "t-1"}, query.Predicate{Field: query.FieldTraceID, Op: query.OpEq, Value: "t-1"}},
		{"parent", query.Params{ParentObservationID: "o-1"}, query.Predicate{Field: query.FieldParentObservationID, Op: query.OpEq, Value: "o-1"}},
		{"version", query.Params{Version: "v2"}, query.Predicate{Field: query.FieldVersion, Op: query.OpEq, Value: "v2"}},
		{"user_id", query.Params{UserID: "u-1"}, query.Predicate{Field: query.FieldUserID, Op: query.OpEq, Value: "u-1"}},
		{"from_start_time", query.Params{FromStartTime: &from}, query.Predicate{Field: query.FieldStartTime, Op: query.OpGte, Value: from}},
		{"to_start_time", query.Params{ToStartTime: &from}, query.Predicate{Field: query.FieldStartTime, Op: query.OpLt, Value: from}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := query.Compile(tt.params)

			require.NoError(t, err)
			require.Len(t, f.Predicates(), 1)
			assert.Equal(t, tt.expected, f.Predicates()[0])
		})
	}
}

func TestCompile_AllFields_AreConjoinedInStableOrder(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	f, err := query.Compile(query.Params{
		Name:                "call",
		UserID:              "u-1",
		Type:                "SPAN",
		TraceID:             "t-1",
		ParentObservationID: "o-1",
		Version:             "v1",
		FromStartTime:       &from,
		ToStartTime:         &to,
	})
	require.NoError(t, err)

	var fields []query.Field
	for _, p := range f.Predicates() {
		fields = append(fields, p.Field)
	}
	assert.Equal(t, []query.Field{
		query.FieldName,
		query.FieldType,
		query.FieldTraceID,
		query.FieldParentObservationID,
		query.FieldVersion,
		query.FieldUserID,
		query.FieldStartTime,
		query.FieldStartTime,
	}, fields)
}

func TestCompile_NormalizesTimesToUTC(t *testing.T) {
	berlin := time.FixedZone("CET", 60*60)
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, berlin)

	f, err := query.Compile(query.Params{FromStartTime: &from})
	require.NoError(t, err)

	got, ok := f.Predicates()[0].Value.(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(from))
	assert.Equal(t, 9, got.Hour())
}

func TestCompile_RejectsUnknownType(t *testing.T) {
	_, err := query.Compile(query.Params{Type: "BANANA"})

	assert.ErrorIs(t, err, query.ErrInvalidObservationType)
}

func TestFilter_PredicatesReturnsCopy(t *testing.T) {
	f, err := query.Compile(query.Params{Name: "call"})
	require.NoError(t, err)

	preds := f.Predicates()
	preds[0].Value = "mutated"

	assert.Equal(t, "call", f.Predicates()[0].Value)
}
