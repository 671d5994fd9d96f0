package database

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

type recordedQuery struct {
	sql  string
	args []any
}

type fakeResponse struct {
	rows [][]any
	err  error
}

// fakeQuerier answers queries with canned responses, in order.
type fakeQuerier struct {
	responses []fakeResponse
	queries   []recordedQuery
	execs     []recordedQuery
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (Rows, error) {
	f.queries = append(f.queries, recordedQuery{sql: sql, args: args})
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fakeQuerier: no response queued for %q", sql)
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp.err != nil {
		return nil, resp.err
	}
	return &fakeRows{data: resp.rows}, nil
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) error {
	f.execs = append(f.execs, recordedQuery{sql: sql, args: args})
	return nil
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos < len(r.data) {
		r.pos++
		return true
	}
	return false
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

// Scan assigns values by reflection, allocating pointers for non-nil values
// scanned into pointer destinations.
func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(row) != len(dest) {
		return fmt.Errorf("fakeRows: %d values for %d destinations", len(row), len(dest))
	}

	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}

		sv := reflect.ValueOf(row[i])
		switch {
		case sv.Type().AssignableTo(dv.Type()):
			dv.Set(sv)
		case dv.Kind() == reflect.Pointer && sv.Type().AssignableTo(dv.Type().Elem()):
			p := reflect.New(dv.Type().Elem())
			p.Elem().Set(sv)
			dv.Set(p)
		case sv.Type().ConvertibleTo(dv.Type()):
			dv.Set(sv.Convert(dv.Type()))
		default:
			return fmt.Errorf("fakeRows: cannot scan %T into %s", row[i], dv.Type())
		}
	}
	return nil
}

// observationValues returns one view row in select-list order.
func observationValues(id string, start time.Time, modelID any, inputPrice any) []any {
	return []any{
		id, "proj-1", "trace-1", nil,
		"GENERATION", "call", "DEFAULT", nil, "v1",
		start, start.Add(2 * time.Second), start.Add(500 * time.Millisecond),
		"gpt-4o", []byte(`{"temperature":0.2}`), map[string]any{"q": "hi"}, "plain output", nil,
		int64(10), int64(20), int64(30), "TOKENS",
		modelID, inputPrice, nil, nil,
		0.001, 0.002, 0.003,
		nil, nil, nil,
		start, start,
	}
}
