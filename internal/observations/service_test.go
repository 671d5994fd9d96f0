package observations

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

// memExecutor evaluates compiled predicates over an in-memory table. It
// mirrors the executors' contract: project scoping, AND-ed predicates,
// start_time descending, offset/limit and an unpaginated count.
type memExecutor struct {
	rows       []models.ObservationRow
	traceUsers map[string]string
	err        error
	calls      int
}

func (m *memExecutor) Execute(_ context.Context, projectID string, filter query.Filter, page query.Page) ([]models.ObservationRow, int64, error) {
	m.calls++
	if m.err != nil {
		return nil, 0, m.err
	}

	var matched []models.ObservationRow
	for _, r := range m.rows {
		if r.ProjectID == projectID && m.matches(r, filter) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	total := int64(len(matched))
	out := []models.ObservationRow{}
	for i := page.Offset(); i < len(matched) && len(out) < page.Limit(); i++ {
		out = append(out, matched[i])
	}
	return out, total, nil
}

func (m *memExecutor) matches(r models.ObservationRow, filter query.Filter) bool {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}

	for _, p := range filter.Predicates() {
		switch p.Field {
		case query.FieldName:
			if deref(r.Name) != p.Value {
				return false
			}
		case query.FieldType:
			if string(r.Type) != p.Value {
				return false
			}
		case query.FieldTraceID:
			if deref(r.TraceID) != p.Value {
				return false
			}
		case query.FieldParentObservationID:
			if deref(r.ParentObservationID) != p.Value {
				return false
			}
		case query.FieldVersion:
			if deref(r.Version) != p.Value {
				return false
			}
		case query.FieldUserID:
			if m.traceUsers[deref(r.TraceID)] != p.Value {
				return false
			}
		case query.FieldStartTime:
			t := p.Value.(time.Time)
			if p.Op == query.OpGte && r.StartTime.Before(t) {
				return false
			}
			if p.Op == query.OpLt && !r.StartTime.Before(t) {
				return false
			}
		}
	}
	return true
}

type recordingEnricher struct {
	calls int
	price float64
	err   error
}

func (e *recordingEnricher) Enrich(_ context.Context, _ string, rows []models.ObservationRow) ([]models.ObservationRow, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]models.ObservationRow, len(rows))
	copy(out, rows)
	for i := range out {
		p := e.price
		out[i].InputPrice = &p
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func fixtureRows() []models.ObservationRow {
	return []models.ObservationRow{
		{ID: "O1", ProjectID: "P", Name: strPtr("call"), TraceID: strPtr("tr-1"), Type: models.ObservationTypeGeneration, StartTime: t0},
		{ID: "O2", ProjectID: "P", Name: strPtr("call"), TraceID: strPtr("tr-1"), Type: models.ObservationTypeGeneration, StartTime: t0.Add(time.Second)},
		{ID: "O3", ProjectID: "P", Name: strPtr("retrieve"), TraceID: strPtr("tr-2"), Type: models.ObservationTypeSpan, StartTime: t0.Add(2 * time.Second)},
		{ID: "X1", ProjectID: "other", Name: strPtr("call"), TraceID: strPtr("tr-9"), Type: models.ObservationTypeGeneration, StartTime: t0},
	}
}

func newMemExecutor() *memExecutor {
	return &memExecutor{
		rows:       fixtureRows(),
		traceUsers: map[string]string{"tr-1": "alice", "tr-2": "bob", "tr-9": "alice"},
	}
}

func newTestService(t *testing.T, defaultBackend Backend, relational, columnar Executor, enricher Enricher) *Service {
	t.Helper()
	opts := []ServiceOption{WithTracer(noop.NewTracerProvider().Tracer("test"))}
	if columnar != nil {
		opts = append(opts, WithColumnar(columnar, enricher))
	}
	s, err := NewService(relational, NewProjectGate(defaultBackend, nil), opts...)
	require.NoError(t, err)
	return s
}

func TestList_NewestFirstWithPaginationMeta(t *testing.T) {
	for _, backend := range []Backend{BackendPostgres, BackendClickHouse} {
		t.Run(string(backend), func(t *testing.T) {
			exec := newMemExecutor()
			s := newTestService(t, backend, exec, exec, &recordingEnricher{})

			resp, err := s.List(context.Background(), "P", query.Params{Name: "call"}, 1, 1)

			require.NoError(t, err)
			require.Len(t, resp.Data, 1)
			assert.Equal(t, "O2", resp.Data[0].ID)
			assert.Equal(t, models.Meta{Page: 1, Limit: 1, TotalItems: 2, TotalPages: 2}, resp.Meta)
		})
	}
}

func TestList_UnknownTraceYieldsEmptyData(t *testing.T) {
	for _, backend := range []Backend{BackendPostgres, BackendClickHouse} {
		t.Run(string(backend), func(t *testing.T) {
			exec := newMemExecutor()
			s := newTestService(t, backend, exec, exec, &recordingEnricher{})

			resp, err := s.List(context.Background(), "P", query.Params{TraceID: "nonexistent"}, 1, 50)

			require.NoError(t, err)
			assert.NotNil(t, resp.Data)
			assert.Empty(t, resp.Data)
			assert.Equal(t, int64(0), resp.Meta.TotalItems)
			assert.Equal(t, int64(0), resp.Meta.TotalPages)
		})
	}
}

func TestList_BeyondLastPage(t *testing.T) {
	s := newTestService(t, BackendPostgres, newMemExecutor(), nil, nil)

	resp, err := s.List(context.Background(), "P", query.Params{}, 5, 2)

	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, models.Meta{Page: 5, Limit: 2, TotalItems: 3, TotalPages: 2}, resp.Meta)
}

func TestList_HugePageNumberStaysBeyondLastPage(t *testing.T) {
	s := newTestService(t, BackendPostgres, newMemExecutor(), nil, nil)

	resp, err := s.List(context.Background(), "P", query.Params{}, 4611686018427387905, 4)

	require.NoError(t, err)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
	assert.Equal(t, 4611686018427387905, resp.Meta.Page)
	assert.Equal(t, int64(3), resp.Meta.TotalItems)
}

func TestList_ScopesToProject(t *testing.T) {
	s := newTestService(t, BackendPostgres, newMemExecutor(), nil, nil)

	resp, err := s.List(context.Background(), "P", query.Params{UserID: "alice"}, 1, 50)

	require.NoError(t, err)
	ids := make([]string, 0, len(resp.Data))
	for _, o := range resp.Data {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"O2", "O1"}, ids)
}

func TestList_TimeWindowIsHalfOpen(t *testing.T) {
	s := newTestService(t, BackendPostgres, newMemExecutor(), nil, nil)
	from := t0
	to := t0.Add(2 * time.Second)

	resp, err := s.List(context.Background(), "P", query.Params{FromStartTime: &from, ToStartTime: &to}, 1, 50)

	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Meta.TotalItems)
}

func TestList_RoutesToExactlyOneBackend(t *testing.T) {
	relational := newMemExecutor()
	columnar := newMemExecutor()
	enricher := &recordingEnricher{price: 0.25}

	gate := NewProjectGate(BackendPostgres, map[string]Backend{"P": BackendClickHouse})
	s, err := NewService(relational, gate,
		WithColumnar(columnar, enricher),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	)
	require.NoError(t, err)

	resp, err := s.List(context.Background(), "P", query.Params{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, relational.calls)
	assert.Equal(t, 1, columnar.calls)
	assert.Equal(t, 1, enricher.calls)
	require.NotEmpty(t, resp.Data)
	require.NotNil(t, resp.Data[0].InputPrice)
	assert.InDelta(t, 0.25, *resp.Data[0].InputPrice, 1e-12)

	_, err = s.List(context.Background(), "other", query.Params{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, relational.calls)
	assert.Equal(t, 1, columnar.calls)
	assert.Equal(t, 1, enricher.calls, "relational rows are already priced")
}

func TestList_ValidationErrorsSkipBackends(t *testing.T) {
	exec := newMemExecutor()
	s := newTestService(t, BackendPostgres, exec, nil, nil)

	_, err := s.List(context.Background(), "P", query.Params{Type: "NOPE"}, 1, 10)
	assert.ErrorIs(t, err, query.ErrInvalidObservationType)

	_, err = s.List(context.Background(), "P", query.Params{}, 0, 10)
	assert.ErrorIs(t, err, query.ErrInvalidPage)

	_, err = s.List(context.Background(), "P", query.Params{}, 1, 0)
	assert.ErrorIs(t, err, query.ErrInvalidPage)

	assert.Zero(t, exec.calls)
}

func TestList_PropagatesBackendFailures(t *testing.T) {
	boom := errors.New("backend down")

	s := newTestService(t, BackendPostgres, &memExecutor{err: boom}, nil, nil)
	_, err := s.List(context.Background(), "P", query.Params{}, 1, 10)
	assert.ErrorIs(t, err, boom)

	s = newTestService(t, BackendClickHouse, newMemExecutor(), newMemExecutor(), &recordingEnricher{err: boom})
	_, err = s.List(context.Background(), "P", query.Params{}, 1, 10)
	assert.ErrorIs(t, err, boom)
}

func TestList_ColumnarNotConfigured(t *testing.T) {
	s := newTestService(t, BackendClickHouse, newMemExecutor(), nil, nil)

	_, err := s.List(context.Background(), "P", query.Params{}, 1, 10)

	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestNewService_Validation(t *testing.T) {
	gate := NewProjectGate(BackendPostgres, nil)

	_, err := NewService(nil, gate)
	assert.Error(t, err)

	_, err = NewService(newMemExecutor(), nil)
	assert.Error(t, err)

	_, err = NewService(newMemExecutor(), gate, WithColumnar(newMemExecutor(), nil))
	assert.Error(t, err)
}
