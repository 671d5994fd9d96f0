package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

const (
	dialectClickHouse = "clickhouse"

	defaultObservationsTable = "observations"
	tracesTable              = "traces"

	dateTime64Layout = "2006-01-02 15:04:05.000000"

	usageKeyInput  = "input"
	usageKeyOutput = "output"
	usageKeyTotal  = "total"

	logMsgBuildQueryFailed = "failed to build columnar observations query"
	logMsgQueryFailed      = "clickhouse query execution failed"
	logMsgQueryCompleted   = "columnar observations query completed"
	logAttrError           = "error"
	logAttrQuery           = "query"
	logAttrProjectID       = "project_id"
	logAttrRows            = "rows"
	logAttrTotal           = "total_items"
	logAttrDurationMS      = "duration_ms"
)

var (
	// ErrBuildingQueryFailed is returned when a filter cannot be turned into SQL.
	ErrBuildingQueryFailed = errors.New("building columnar observations query failed")

	// ErrUnexpectedCountResult is returned when count() does not yield one row.
	ErrUnexpectedCountResult = errors.New("unexpected totalItems result")
)

func init() {
	opts := goqu.DefaultDialectOptions()
	opts.QuoteRune = '`'
	opts.SupportsReturn = false
	opts.SupportsWithCTERecursive = false
	opts.SupportsDistinctOn = false
	opts.SupportsWindowFunction = true
	goqu.RegisterDialect(dialectClickHouse, opts)
}

// columnarColumns maps filter fields to observation columns. userId is absent
// because traces are not joined; it becomes a subquery instead.
var columnarColumns = map[query.Field]string{
	query.FieldName:                "o.name",
	query.FieldType:                "o.type",
	query.FieldTraceID:             "o.trace_id",
	query.FieldParentObservationID: "o.parent_observation_id",
	query.FieldVersion:             "o.version",
	query.FieldStartTime:           "o.start_time",
}

// ObservationExecutor runs observation list and count queries against
// ClickHouse. Rows carry the internal model id but no prices.
type ObservationExecutor struct {
	q         Querier
	tableName string
	logger    logging.Logger
	dialect   goqu.DialectWrapper
	now       func() time.Time
}

// Option configures an ObservationExecutor.
type Option func(*ObservationExecutor) error

// WithTableName overrides the observations table.
func WithTableName(name string) Option {
	return func(e *ObservationExecutor) error {
		if name == "" {
			return errors.New("observations table name must not be empty")
		}
		e.tableName = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *ObservationExecutor) error {
		e.logger = logger
		return nil
	}
}

// NewObservationExecutor creates a columnar executor.
func NewObservationExecutor(q Querier, opts ...Option) (*ObservationExecutor, error) {
	if q == nil {
		return nil, errors.New("clickhouse: nil querier")
	}

	e := &ObservationExecutor{
		q:         q,
		tableName: defaultObservationsTable,
		logger:    logging.Nop{},
		dialect:   goqu.Dialect(dialectClickHouse),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Execute fetches one page and the total count concurrently. The first
// failure cancels the other query and is returned.
func (e *ObservationExecutor) Execute(ctx context.Context, projectID string, filter query.Filter, page query.Page) ([]models.ObservationRow, int64, error) {
	start := e.now()

	listSQL, listArgs, err := e.BuildListQuery(projectID, filter, page)
	if err != nil {
		e.logger.Error(logMsgBuildQueryFailed, logAttrError, err.Error())
		return nil, 0, err
	}
	countSQL, countArgs, err := e.BuildCountQuery(projectID, filter)
	if err != nil {
		e.logger.Error(logMsgBuildQueryFailed, logAttrError, err.Error())
		return nil, 0, err
	}

	var (
		rows  []models.ObservationRow
		total int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = e.fetch(gctx, listSQL, listArgs, page.Limit())
		return err
	})
	g.Go(func() error {
		var err error
		total, err = e.count(gctx, countSQL, countArgs)
		return err
	})
	if err := g.Wait(); err != nil {
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

// BuildListQuery returns the SQL and arguments for one page of observations.
func (e *ObservationExecutor) BuildListQuery(projectID string, filter query.Filter, page query.Page) (string, []any, error) {
	where, err := e.whereClause(projectID, filter)
	if err != nil {
		return "", nil, err
	}

	sqlQuery, args, err := e.from().
		Select(columnarSelect...).
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

// BuildCountQuery returns the SQL and arguments for the unpaginated count.
func (e *ObservationExecutor) BuildCountQuery(projectID string, filter query.Filter) (string, []any, error) {
	where, err := e.whereClause(projectID, filter)
	if err != nil {
		return "", nil, err
	}

	sqlQuery, args, err := e.from().
		Select(goqu.L("count()").As("count")).
		Where(where).
		ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return sqlQuery, args, nil
}

func (e *ObservationExecutor) from() *goqu.SelectDataset {
	return e.dialect.From(goqu.T(e.tableName).As("o")).Prepared(true)
}

func (e *ObservationExecutor) whereClause(projectID string, filter query.Filter) (exp.ExpressionList, error) {
	exprs := []exp.Expression{goqu.I("o.project_id").Eq(projectID)}

	for _, p := range filter.Predicates() {
		if p.Field == query.FieldUserID && p.Op == query.OpEq {
			exprs = append(exprs, goqu.I("o.trace_id").In(e.tracesOfUser(projectID, p.Value)))
			continue
		}

		col, ok := columnarColumns[p.Field]
		if !ok {
			return nil, errors.Join(ErrBuildingQueryFailed, fmt.Errorf("%w: %s", query.ErrUnsupportedPredicate, p))
		}

		ident := goqu.I(col)
		switch p.Op {
		case query.OpEq:
			exprs = append(exprs, ident.Eq(p.Value))
		case query.OpGte:
			exprs = append(exprs, ident.Gte(boundValue(p.Value)))
		case query.OpLt:
			exprs = append(exprs, ident.Lt(boundValue(p.Value)))
		default:
			return nil, errors.Join(ErrBuildingQueryFailed, fmt.Errorf("%w: %s", query.ErrUnsupportedPredicate, p))
		}
	}

	return goqu.And(exprs...), nil
}

// boundValue renders time bounds as DateTime64 literals. The driver binds a
// plain time.Time as toDateTime(...), which drops sub-second precision.
func boundValue(v any) any {
	t, ok := v.(time.Time)
	if !ok {
		return v
	}
	return goqu.L("toDateTime64(?, 6, 'UTC')", t.UTC().Format(dateTime64Layout))
}

func (e *ObservationExecutor) tracesOfUser(projectID string, userID any) *goqu.SelectDataset {
	return e.dialect.
		From(goqu.T(tracesTable)).
		Select(goqu.C("id")).
		Where(
			goqu.C("project_id").Eq(projectID),
			goqu.C("user_id").Eq(userID),
		)
}

func (e *ObservationExecutor) fetch(ctx context.Context, sqlQuery string, args []any, limit int) ([]models.ObservationRow, error) {
	e.logger.Debug("executing columnar list query", logAttrQuery, sqlQuery)

	rows, err := e.q.Query(ctx, sqlQuery, args...)
	if err != nil {
		e.logger.Error(logMsgQueryFailed, logAttrError, err.Error(), logAttrQuery, sqlQuery)
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	result := make([]models.ObservationRow, 0, limit)
	for rows.Next() {
		row, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observations: %w", err)
	}
	return result, nil
}

func (e *ObservationExecutor) count(ctx context.Context, sqlQuery string, args []any) (int64, error) {
	e.logger.Debug("executing columnar count query", logAttrQuery, sqlQuery)

	rows, err := e.q.Query(ctx, sqlQuery, args...)
	if err != nil {
		e.logger.Error(logMsgQueryFailed, logAttrError, err.Error(), logAttrQuery, sqlQuery)
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	defer rows.Close()

	var (
		counts []uint64
		n      uint64
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
		return 0, fmt.Errorf("%w: got %d rows", ErrUnexpectedCountResult, len(counts))
	}
	return int64(counts[0]), nil
}

// columnarSelect is the select list; scanObservation reads it in order.
var columnarSelect = []any{
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
	goqu.I("o.provided_model_name"),
	goqu.I("o.internal_model_id"),
	goqu.I("o.model_parameters"),
	goqu.I("o.input"),
	goqu.I("o.output"),
	goqu.I("o.metadata"),
	goqu.I("o.usage_details"),
	goqu.I("o.cost_details"),
	goqu.I("o.prompt_id"),
	goqu.I("o.prompt_name"),
	goqu.I("o.prompt_version"),
	goqu.I("o.created_at"),
	goqu.I("o.updated_at"),
}

func scanObservation(rows Rows) (models.ObservationRow, error) {
	var (
		r                          models.ObservationRow
		obsType, level             string
		modelParams, input, output *string
		metadata                   map[string]string
		usageDetails               map[string]uint64
		costDetails                map[string]float64
		promptVersion              *uint16
	)

	err := rows.Scan(
		&r.ID, &r.ProjectID, &r.TraceID, &r.ParentObservationID,
		&obsType, &r.Name, &level, &r.StatusMessage, &r.Version,
		&r.StartTime, &r.EndTime, &r.CompletionStartTime,
		&r.Model, &r.ModelID, &modelParams, &input, &output,
		&metadata, &usageDetails, &costDetails,
		&r.PromptID, &r.PromptName, &promptVersion,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.ObservationRow{}, err
	}

	r.Type = models.ObservationType(obsType)
	r.Level = models.ObservationLevel(level)
	r.ModelParameters = decodePayload(modelParams)
	r.Input = decodePayload(input)
	r.Output = decodePayload(output)
	r.Metadata = decodeMetadata(metadata)

	r.PromptTokens = int64(usageDetails[usageKeyInput])
	r.CompletionTokens = int64(usageDetails[usageKeyOutput])
	if total, ok := usageDetails[usageKeyTotal]; ok {
		r.TotalTokens = int64(total)
	} else {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}

	r.CalculatedInputCost = costFor(costDetails, usageKeyInput)
	r.CalculatedOutputCost = costFor(costDetails, usageKeyOutput)
	r.CalculatedTotalCost = costFor(costDetails, usageKeyTotal)

	if promptVersion != nil {
		v := int64(*promptVersion)
		r.PromptVersion = &v
	}

	return r, nil
}

func costFor(details map[string]float64, key string) *float64 {
	v, ok := details[key]
	if !ok {
		return nil
	}
	return &v
}

// decodePayload parses a JSON string column; non-JSON text is kept as is.
func decodePayload(s *string) any {
	if s == nil {
		return nil
	}

	var decoded any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(*s, &decoded); err != nil {
		return *s
	}
	return decoded
}

func decodeMetadata(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodePayload(&v)
	}
	return out
}
