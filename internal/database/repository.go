package database

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

// ErrAPIKeyNotFound is returned when no active key matches.
var ErrAPIKeyNotFound = errors.New("api key not found")

// FindModelsWithPrices returns the models among modelIDs that are visible to
// the project, either project-scoped or global (project_id IS NULL), each with
// its price entries.
func (db *DB) FindModelsWithPrices(ctx context.Context, projectID string, modelIDs []string) ([]models.Model, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}

	sqlQuery, args, err := goqu.Dialect(dialectPostgres).
		From(goqu.T("models").As("m")).
		LeftJoin(goqu.T("prices").As("p"), goqu.On(goqu.I("p.model_id").Eq(goqu.I("m.id")))).
		Select(
			goqu.I("m.id"),
			goqu.I("m.project_id"),
			goqu.I("m.model_name"),
			goqu.I("p.id"),
			goqu.I("p.usage_type"),
			goqu.L(`"p"."price"::DOUBLE PRECISION`).As("price"),
		).
		Where(
			goqu.I("m.id").In(modelIDs),
			goqu.Or(
				goqu.I("m.project_id").Eq(projectID),
				goqu.I("m.project_id").IsNull(),
			),
		).
		Order(goqu.I("m.id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	rows, err := db.q.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("querying models: %w", err)
	}
	defer rows.Close()

	var (
		result []models.Model
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			m                  models.Model
			priceID, usageType *string
			price              *float64
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.ModelName, &priceID, &usageType, &price); err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}

		i, ok := index[m.ID]
		if !ok {
			i = len(result)
			index[m.ID] = i
			result = append(result, m)
		}

		if priceID != nil && usageType != nil && price != nil {
			result[i].Prices = append(result[i].Prices, models.Price{
				ID:        *priceID,
				ModelID:   m.ID,
				UsageType: models.UsageType(*usageType),
				Price:     *price,
			})
		}
	}
	return result, rows.Err()
}

const (
	// apiKeyPrefix marks Lens API keys.
	apiKeyPrefix = "lk-"
	// APIKeyPrefixLength leading characters of a key are stored in clear for
	// lookup. The prefix is not unique.
	APIKeyPrefixLength = 15
)

// ProjectForAPIKey returns the project owning the active key apiKey. Every
// active key sharing the lookup prefix is compared by SHA-256 hash, so
// colliding prefixes never shadow each other.
func (db *DB) ProjectForAPIKey(ctx context.Context, apiKey string) (string, error) {
	if len(apiKey) < APIKeyPrefixLength {
		return "", ErrAPIKeyNotFound
	}
	sum := sha256.Sum256([]byte(apiKey))
	keyHash := hex.EncodeToString(sum[:])

	rows, err := db.q.Query(ctx, `
		SELECT project_id, key_hash FROM api_keys
		WHERE key_prefix = $1 AND revoked = false
	`, apiKey[:APIKeyPrefixLength])
	if err != nil {
		return "", fmt.Errorf("querying api key: %w", err)
	}
	defer rows.Close()

	var projectID string
	for rows.Next() {
		var candidateProject, candidateHash string
		if err := rows.Scan(&candidateProject, &candidateHash); err != nil {
			return "", fmt.Errorf("scanning api key: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(candidateHash), []byte(keyHash)) == 1 {
			projectID = candidateProject
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("querying api key: %w", err)
	}
	if projectID == "" {
		return "", ErrAPIKeyNotFound
	}
	return projectID, nil
}

// CreateAPIKey issues a new API key for the project. Only the key's prefix and
// SHA-256 hash are stored; the returned key cannot be recovered later.
func (db *DB) CreateAPIKey(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return "", errors.New("project id is required")
	}

	key := apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	sum := sha256.Sum256([]byte(key))

	sqlQuery, args, err := goqu.Dialect(dialectPostgres).
		Insert("api_keys").
		Rows(goqu.Record{
			"id":         uuid.NewString(),
			"project_id": projectID,
			"key_prefix": key[:APIKeyPrefixLength],
			"key_hash":   hex.EncodeToString(sum[:]),
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", errors.Join(ErrBuildingQueryFailed, err)
	}

	if err := db.q.Exec(ctx, sqlQuery, args...); err != nil {
		return "", fmt.Errorf("inserting api key: %w", err)
	}
	return key, nil
}
