// Package observations answers list requests for observations. It compiles
// the request filters once, picks a backend per project, runs that backend's
// executor, enriches columnar rows with prices and assembles the response.
package observations

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

const (
	tracerName = "github.com/bigdegenenergy/open-cloud-ops/lens/internal/observations"
	spanList   = "observations.list"

	logMsgListFailed = "observations list failed"
	logAttrError     = "error"
	logAttrProjectID = "project_id"
	logAttrBackend   = "backend"
)

// ErrBackendUnavailable is returned when a project routes to a backend that
// is not configured.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Executor runs the page and count queries for one backend.
type Executor interface {
	Execute(ctx context.Context, projectID string, filter query.Filter, page query.Page) ([]models.ObservationRow, int64, error)
}

// Enricher attaches model prices to rows that lack them.
type Enricher interface {
	Enrich(ctx context.Context, projectID string, rows []models.ObservationRow) ([]models.ObservationRow, error)
}

// Service dispatches list requests to the relational or columnar executor.
type Service struct {
	relational Executor
	columnar   Executor
	enricher   Enricher
	selector   BackendSelector
	tracer     trace.Tracer
	logger     logging.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithColumnar enables the columnar backend. Its rows are priced by enricher.
func WithColumnar(columnar Executor, enricher Enricher) ServiceOption {
	return func(s *Service) {
		s.columnar = columnar
		s.enricher = enricher
	}
}

// WithTracer sets the tracer used for list spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service. relational is required; the columnar backend
// is optional.
func NewService(relational Executor, selector BackendSelector, opts ...ServiceOption) (*Service, error) {
	if relational == nil {
		return nil, errors.New("observations: relational executor is required")
	}
	if selector == nil {
		return nil, errors.New("observations: backend selector is required")
	}

	s := &Service{
		relational: relational,
		selector:   selector,
		tracer:     otel.Tracer(tracerName),
		logger:     logging.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.columnar != nil && s.enricher == nil {
		return nil, errors.New("observations: columnar backend requires a price enricher")
	}
	return s, nil
}

// List returns one page of the project's observations matching params, with
// pagination metadata. Exactly one backend is queried per call.
func (s *Service) List(ctx context.Context, projectID string, params query.Params, pageNumber, limit int) (models.ObservationsResponse, error) {
	ctx, span := s.tracer.Start(ctx, spanList, trace.WithAttributes(
		attribute.String("project.id", projectID),
	))
	defer span.End()

	resp, backend, err := s.list(ctx, projectID, params, pageNumber, limit)
	if backend != "" {
		span.SetAttributes(attribute.String("backend", string(backend)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !query.IsInvalidInput(err) {
			s.logger.Error(logMsgListFailed,
				logAttrProjectID, projectID,
				logAttrBackend, string(backend),
				logAttrError, err.Error(),
			)
		}
		return models.ObservationsResponse{}, err
	}

	span.SetAttributes(attribute.Int64("total_items", resp.Meta.TotalItems))
	return resp, nil
}

func (s *Service) list(ctx context.Context, projectID string, params query.Params, pageNumber, limit int) (models.ObservationsResponse, Backend, error) {
	page, err := query.NewPage(pageNumber, limit)
	if err != nil {
		return models.ObservationsResponse{}, "", err
	}

	filter, err := query.Compile(params)
	if err != nil {
		return models.ObservationsResponse{}, "", err
	}

	backend := s.selector.BackendFor(ctx, projectID)

	var (
		rows  []models.ObservationRow
		total int64
	)
	switch backend {
	case BackendClickHouse:
		if s.columnar == nil {
			return models.ObservationsResponse{}, backend, fmt.Errorf("%w: %s", ErrBackendUnavailable, backend)
		}
		rows, total, err = s.columnar.Execute(ctx, projectID, filter, page)
		if err != nil {
			return models.ObservationsResponse{}, backend, err
		}
		rows, err = s.enricher.Enrich(ctx, projectID, rows)
		if err != nil {
			return models.ObservationsResponse{}, backend, err
		}
	case BackendPostgres:
		rows, total, err = s.relational.Execute(ctx, projectID, filter, page)
		if err != nil {
			return models.ObservationsResponse{}, backend, err
		}
	default:
		return models.ObservationsResponse{}, backend, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}

	return Assemble(rows, page, total), backend, nil
}
