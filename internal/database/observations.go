package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

const (
	defaultObservationsView = "observations_view"
	tracesTable             = "traces"
	dialectPostgres         = "postgres"

	logMsgBuildQueryFailed = "failed to build observations query"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgCountMismatch    = "count query returned unexpected row count"
	logMsgQueryCompleted   = "observations query completed"
	logAttrError           = "error"
	logAttrQuery           = "query"
	logAttrProjectID       = "project_id"
	logAttrRows            = "rows"
	logAttrTotal           = "total_items"
	logAttrDurationMS      = "duration_ms"
)

var (
	// ErrBuildingQueryFailed is returned when a filter cannot be turned into SQL.
	ErrBuildingQueryFailed = errors.New("building observations query failed")

	// ErrUnexpectedCountResult is returned when the count query does not yield
	// exactly one row. It is an invariant violation, not a retryable condition.
	ErrUnexpectedCountResult = errors.New("unexpected totalItems result")
)

// relationalColumns maps filter fields to columns of the joined view.
var relationalColumns = map[query.Field]string{
	query.FieldName:                "o.name",
	query.FieldType:                "o.type",
	query.FieldTraceID:             "o.trace_id",
	query.FieldParentObservationID: "o.parent_observation_id",
	query.FieldVersion:             "o.version",
	query.FieldUserID:              "t.user_id",
	query.FieldStartTime:           "o.start_time",
}

// ObservationExecutor runs observation list and count queries against
// PostgreSQL. Prices come denormalized from the observations view, so rows are
// complete without a second lookup.
type ObservationExecutor struct {
	q        Querier
	viewName string
	logger   logging.Logger
	dialect  goqu.DialectWrapper
	now      func() time.Time
}

// ExecutorOption configures an ObservationExecutor.
type ExecutorOption func(*ObservationExecutor) error

// WithViewName overrides the relation observations are read from.
func WithViewName(name string) ExecutorOption {
	return func(e *ObservationExecutor) error {
		if name == "" {
			return errors.New("observations view name must not be empty")
		}
		e.viewName = name
		return nil
	}
}

// WithLogger sets the logger. Debug level receives generated SQL.
func WithLogger(logger logging.Logger) ExecutorOption {
	return func(e *ObservationExecutor) error {
		e.logger = logger
		return nil
	}
}

// NewObservationExecutor creates a relational executor on top of db.
func NewObservationExecutor(db *DB, opts ...ExecutorOption) (*ObservationExecutor, error) {
	if db == nil || db.q == nil {
		return nil, errors.New("database: nil connection")
	}

	e := &ObservationExecutor{
		q:        db.q,
		viewName: defaultObservationsView,
		logger:   logging.Nop{},
		dialect:  goqu.Dialect(dialectPostgres),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Execute returns one page of observations for the project plus the number of
// observations matching the filter without pagination. Both queries are built
// from the same where clause.
func (e *ObservationExecutor) Execute(ctx context.Context, projectID string, filter query.Filter, page query.Page) ([]models.ObservationRow, int64, error) {
	start := e.now()

	where, err := e.whereClause(projectID, filter)
	if err != nil {
		e.logger.Error(logMsgBuildQueryFailed, logAttrError, err.Error())
		return nil, 0, err
	}

	rows, err := e.listPage(ctx, where, page)
	if err != nil {
		return nil, 0, err
	}

	total, err := e.count(ctx, where)
	if err != nil {
		return nil, 0, err
	}

	e.logger.Info(logMsgQueryCompleted,
		logAttrProjectID, projectID,
		logAttrRows, len(rows),
		logAttrTotal, total,
		logAttrDurationMS, e.now().Sub(start).Milliseconds(),
	)

	return rows, total, nil
}

func (e *ObservationExecutor) from() *goqu.SelectDataset {
	return e.dialect.
		From(goqu.T(e.viewName).As("o")).
		LeftJoin(
			goqu.T(tracesTable).As("t"),
			goqu.On(
				goqu.I("o.trace_id").Eq(goqu.I("t.id")),
				goqu.I("t.project_id").Eq(goqu.I("o.project_id")),
			),
		).
		Prepared(true)
}

// whereClause scopes by project and ANDs every compiled predicate.
func (e *ObservationExecutor) whereClause(projectID string, filter query.Filter) (exp.ExpressionList, error) {
	exprs := []exp.Expression{goqu.I("o.project_id").Eq(projectID)}

	for _, p := range filter.Predicates() {
		col, ok := relationalColumns[p.Field]
		if !ok {
			return nil, errors.Join(ErrBuildingQueryFailed, fmt.Errorf("%w: %s", query.ErrUnsupportedPredicate, p))
		}

		ident := goqu.I(col)
		switch p.Op {
		case query.OpEq:
			exprs = append(exprs, ident.Eq(p.Value))
		case query.OpGte:
			exprs = append(exprs, ident.Gte(p.Value))
		case query.OpLt:
			exprs = append(exprs, ident.Lt(p.Value))
		default:
			return nil, errors.Join(ErrBuildingQueryFailed, fmt.Errorf("%w: %s", query.ErrUnsupportedPredicate, p))
		}
	}

	return goqu.And(exprs...), nil
}

// BuildListQuery returns the SQL and arguments for one page of observations.
func (e *ObservationExecutor) BuildListQuery(projectID string, filter query.Filter, page query.Page) (string, []any, error) {
	where, err := e.whereClause(projectID, filter)
	if err != nil {
		return "", nil, err
	}
	return e.listSQL(where, page)
}

// BuildCountQuery returns the SQL and arguments for the unpaginated count.
func (e *ObservationExecutor) BuildCountQuery(projectID string, filter query.Filter) (string, []any, error) {
	where, err := e.whereClause(projectID, filter)
	if err != nil {
		return "", nil, err
	}
	return e.countSQL(where)
}

func (e *ObservationExecutor) listSQL(where exp.ExpressionList, page query.Page) (string, []any, error) {
	sqlQuery, args, err := e.from().
		Select(observationColumns...).
		Where(where).
		Order(goqu.I("o.start_time").Desc()).
		Offset(uint(page.Offset())).
		Limit(uint(page.Limit())).
		ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return sqlQuery, args, nil
}

func (e *ObservationExecutor) countSQL(where exp.ExpressionList) (string, []any, error) {
	sqlQuery, args, err := e.from().
		Select(goqu.COUNT(goqu.Star()).As("count")).
		Where(where).
		ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return sqlQuery, args, nil
}

func (e *ObservationExecutor) listPage(ctx context.Context, where exp.ExpressionList, page query.Page) ([]models.ObservationRow, error) {
	sqlQuery, args, err := e.listSQL(where, page)
	if err != nil {
		e.logger.Error(logMsgBuildQueryFailed, logAttrError, err.Error())
		return nil, err
	}
	e.logger.Debug("executing observations list query", logAttrQuery, sqlQuery)

	rows, err := e.q.Query(ctx, sqlQuery, args...)
	if err != nil {
		e.logger.Error(logMsgDBQueryFailed, logAttrError, err.Error(), logAttrQuery, sqlQuery)
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	result := make([]models.ObservationRow, 0, page.Limit())
	for rows.Next() {
		row, err := scanObservation(rows)
		if err != nil {
			e.logger.Error(logMsgScanRowFailed, logAttrError, err.Error())
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observations: %w", err)
	}

	return result, nil
}

func (e *ObservationExecutor) count(ctx context.Context, where exp.ExpressionList) (int64, error) {
	sqlQuery, args, err := e.countSQL(where)
	if err != nil {
		e.logger.Error(logMsgBuildQueryFailed, logAttrError, err.Error())
		return 0, err
	}
	e.logger.Debug("executing observations count query", logAttrQuery, sqlQuery)

	rows, err := e.q.Query(ctx, sqlQuery, args...)
	if err != nil {
		e.logger.Error(logMsgDBQueryFailed, logAttrError, err.Error(), logAttrQuery, sqlQuery)
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	defer rows.Close()

	var (
		counts []int64
		n      int64
	)
	for rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("scanning observation count: %w", err)
		}
		counts = append(counts, n)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating observation count: %w", err)
	}

	if len(counts) != 1 {
		e.logger.Error(logMsgCountMismatch, logAttrRows, len(counts))
		return 0, fmt.Errorf("%w: got %d rows", ErrUnexpectedCountResult, len(counts))
	}

	return counts[0], nil
}

// observationColumns is the select list; scanObservation reads it in order.
var observationColumns = []any{
	goqu.I("o.id"),
	goqu.I("o.project_id"),
	goqu.I("o.trace_id"),
	goqu.I("o.parent_observation_id"),
	goqu.I("o.type"),
	goqu.I("o.name"),
	goqu.I("o.level"),
	goqu.I("o.status_message"),
	goqu.I("o.version"),
	goqu.I("o.start_time"),
	goqu.I("o.end_time"),
	goqu.I("o.completion_start_time"),
	goqu.I("o.model"),
	goqu.I("o.model_parameters"),
	goqu.I("o.input"),
	goqu.I("o.output"),
	goqu.I("o.metadata"),
	goqu.I("o.prompt_tokens"),
	goqu.I("o.completion_tokens"),
	goqu.I("o.total_tokens"),
	goqu.I("o.unit"),
	goqu.I("o.model_id"),
	goqu.I("o.input_price"),
	goqu.I("o.output_price"),
	goqu.I("o.total_price"),
	goqu.I("o.calculated_input_cost"),
	goqu.I("o.calculated_output_cost"),
	goqu.I("o.calculated_total_cost"),
	goqu.I("o.prompt_id"),
	goqu.I("o.prompt_name"),
	goqu.I("o.prompt_version"),
	goqu.I("o.created_at"),
	goqu.I("o.updated_at"),
}

func scanObservation(rows Rows) (models.ObservationRow, error) {
	var (
		r                                        models.ObservationRow
		obsType, level                           string
		modelParams, input, output, metadataJSON any
	)

	err := rows.Scan(
		&r.ID, &r.ProjectID, &r.TraceID, &r.ParentObservationID,
		&obsType, &r.Name, &level, &r.StatusMessage, &r.Version,
		&r.StartTime, &r.EndTime, &r.CompletionStartTime,
		&r.Model, &modelParams, &input, &output, &metadataJSON,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Unit,
		&r.ModelID, &r.InputPrice, &r.OutputPrice, &r.TotalPrice,
		&r.CalculatedInputCost, &r.CalculatedOutputCost, &r.CalculatedTotalCost,
		&r.PromptID, &r.PromptName, &r.PromptVersion,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.ObservationRow{}, err
	}

	r.Type = models.ObservationType(obsType)
	r.Level = models.ObservationLevel(level)
	r.ModelParameters = decodeJSON(modelParams)
	r.Input = decodeJSON(input)
	r.Output = decodeJSON(output)
	r.Metadata = decodeJSON(metadataJSON)

	return r, nil
}

// decodeJSON normalizes a JSONB column. pgx already decodes JSONB into Go
// values; lib/pq hands back raw bytes, which are decoded here. Bytes that are
// not valid JSON are returned as a string.
func decodeJSON(v any) any {
	raw, ok := v.([]byte)
	if !ok {
		return v
	}

	var decoded any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return decoded
}
