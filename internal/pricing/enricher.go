// Package pricing attaches model prices to observations read from the
// columnar store, which records only the internal model id.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

const (
	cacheKeyPrefix = "pricing"

	logMsgCacheReadFailed  = "price cache read failed"
	logMsgCacheWriteFailed = "price cache write failed"
	logAttrError           = "error"
	logAttrProjectID       = "project_id"
)

// ModelLookup loads the models among modelIDs visible to a project, with
// their prices. Global models (no project) are visible to every project.
type ModelLookup interface {
	FindModelsWithPrices(ctx context.Context, projectID string, modelIDs []string) ([]models.Model, error)
}

// cachedModel is the cache entry for one project and model id. Found is false
// for ids the lookup did not return.
type cachedModel struct {
	Found bool          `json:"found"`
	Model *models.Model `json:"model,omitempty"`
}

// Enricher resolves model ids and prices for one page of observations.
type Enricher struct {
	lookup ModelLookup
	cache  *cache.Cache
	ttl    time.Duration
	logger logging.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithCache enables a Redis read-through cache of lookups. A zero ttl or nil
// cache leaves caching off.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(e *Enricher) {
		if c != nil && ttl > 0 {
			e.cache = c
			e.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// NewEnricher creates an Enricher backed by lookup.
func NewEnricher(lookup ModelLookup, opts ...Option) *Enricher {
	e := &Enricher{
		lookup: lookup,
		logger: logging.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns a copy of rows with ModelID normalized to the matched model
// (or nil) and input, output and total prices set from the model's price
// entries. Only the model ids present on this page are looked up, in a single
// query; a page without model ids triggers no lookup.
func (e *Enricher) Enrich(ctx context.Context, projectID string, rows []models.ObservationRow) ([]models.ObservationRow, error) {
	out := make([]models.ObservationRow, len(rows))
	copy(out, rows)

	ids := distinctModelIDs(out)

	var resolved map[string]*models.Model
	if len(ids) > 0 {
		var err error
		resolved, err = e.resolve(ctx, projectID, ids)
		if err != nil {
			return nil, err
		}
	}

	for i := range out {
		var m *models.Model
		if out[i].ModelID != nil {
			m = resolved[*out[i].ModelID]
		}

		if m == nil {
			out[i].ModelID = nil
			out[i].InputPrice = nil
			out[i].OutputPrice = nil
			out[i].TotalPrice = nil
			continue
		}

		id := m.ID
		out[i].ModelID = &id
		out[i].InputPrice = m.PriceFor(models.UsageTypeInput)
		out[i].OutputPrice = m.PriceFor(models.UsageTypeOutput)
		out[i].TotalPrice = m.PriceFor(models.UsageTypeTotal)
	}

	return out, nil
}

// distinctModelIDs returns the non-empty model ids of rows in first-seen order.
func distinctModelIDs(rows []models.ObservationRow) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range rows {
		if r.ModelID == nil || *r.ModelID == "" {
			continue
		}
		if _, ok := seen[*r.ModelID]; ok {
			continue
		}
		seen[*r.ModelID] = struct{}{}
		ids = append(ids, *r.ModelID)
	}
	return ids
}

func (e *Enricher) resolve(ctx context.Context, projectID string, ids []string) (map[string]*models.Model, error) {
	resolved := make(map[string]*models.Model, len(ids))

	missing := ids
	if e.cache != nil {
		missing = e.fromCache(ctx, projectID, ids, resolved)
		if len(missing) == 0 {
			return resolved, nil
		}
	}

	found, err := e.lookup.FindModelsWithPrices(ctx, projectID, missing)
	if err != nil {
		return nil, fmt.Errorf("looking up model prices: %w", err)
	}

	entries := make(map[string]cachedModel, len(missing))
	for _, id := range missing {
		entries[cacheKey(projectID, id)] = cachedModel{Found: false}
	}
	for i := range found {
		m := found[i]
		resolved[m.ID] = &m
		entries[cacheKey(projectID, m.ID)] = cachedModel{Found: true, Model: &m}
	}

	if e.cache != nil {
		if err := cache.SetJSON(ctx, e.cache, entries, e.ttl); err != nil {
			e.logger.Warn(logMsgCacheWriteFailed, logAttrProjectID, projectID, logAttrError, err.Error())
		}
	}

	return resolved, nil
}

// fromCache fills resolved from cached entries and returns the ids that still
// need a lookup. A failing cache yields every id as missing.
func (e *Enricher) fromCache(ctx context.Context, projectID string, ids []string, resolved map[string]*models.Model) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(projectID, id)
	}

	cached, err := cache.GetJSON[cachedModel](ctx, e.cache, keys...)
	if err != nil {
		e.logger.Warn(logMsgCacheReadFailed, logAttrProjectID, projectID, logAttrError, err.Error())
		return ids
	}

	var missing []string
	for i, id := range ids {
		entry, ok := cached[keys[i]]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if entry.Found && entry.Model != nil {
			resolved[id] = entry.Model
		}
	}
	return missing
}

func cacheKey(projectID, modelID string) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, projectID, modelID)
}
