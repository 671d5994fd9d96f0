// Package models defines the core data structures used across Lens.
package models

import "time"

// ObservationType classifies an observation within a trace.
type ObservationType string

const (
	ObservationTypeSpan       ObservationType = "SPAN"
	ObservationTypeGeneration ObservationType = "GENERATION"
	ObservationTypeEvent      ObservationType = "EVENT"
	ObservationTypeAgent      ObservationType = "AGENT"
	ObservationTypeTool       ObservationType = "TOOL"
	ObservationTypeChain      ObservationType = "CHAIN"
	ObservationTypeRetriever  ObservationType = "RETRIEVER"
	ObservationTypeEvaluator  ObservationType = "EVALUATOR"
	ObservationTypeEmbedding  ObservationType = "EMBEDDING"
	ObservationTypeGuardrail  ObservationType = "GUARDRAIL"
)

// ObservationTypes lists every known observation type.
var ObservationTypes = []ObservationType{
	ObservationTypeSpan,
	ObservationTypeGeneration,
	ObservationTypeEvent,
	ObservationTypeAgent,
	ObservationTypeTool,
	ObservationTypeChain,
	ObservationTypeRetriever,
	ObservationTypeEvaluator,
	ObservationTypeEmbedding,
	ObservationTypeGuardrail,
}

// Valid reports whether t is one of the known observation types.
func (t ObservationType) Valid() bool {
	for _, known := range ObservationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ObservationLevel is the severity attached to an observation.
type ObservationLevel string

const (
	ObservationLevelDebug   ObservationLevel = "DEBUG"
	ObservationLevelDefault ObservationLevel = "DEFAULT"
	ObservationLevelWarning ObservationLevel = "WARNING"
	ObservationLevelError   ObservationLevel = "ERROR"
)

// UsageType identifies which part of a model's usage a price applies to.
type UsageType string

const (
	UsageTypeInput  UsageType = "input"
	UsageTypeOutput UsageType = "output"
	UsageTypeTotal  UsageType = "total"
)

// ObservationRow is an observation as read from a backing store, before it is
// shaped for the public API. Both executors produce this type.
type ObservationRow struct {
	ID                  string
	ProjectID           string
	TraceID             *string
	ParentObservationID *string
	Type                ObservationType
	Name                *string
	Level               ObservationLevel
	StatusMessage       *string
	Version             *string

	StartTime           time.Time
	EndTime             *time.Time
	CompletionStartTime *time.Time

	Model           *string
	ModelParameters any
	Input           any
	Output          any
	Metadata        any

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Unit             *string

	ModelID              *string
	InputPrice           *float64
	OutputPrice          *float64
	TotalPrice           *float64
	CalculatedInputCost  *float64
	CalculatedOutputCost *float64
	CalculatedTotalCost  *float64

	PromptID      *string
	PromptName    *string
	PromptVersion *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usage groups token counts in the public observation shape.
type Usage struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Unit   *string `json:"unit"`
}

// Observation is the public record returned by the observations API.
type Observation struct {
	ID                  string           `json:"id"`
	ProjectID           string           `json:"projectId"`
	TraceID             *string          `json:"traceId"`
	ParentObservationID *string          `json:"parentObservationId"`
	Type                ObservationType  `json:"type"`
	Name                *string          `json:"name"`
	Level               ObservationLevel `json:"level"`
	StatusMessage       *string          `json:"statusMessage"`
	Version             *string          `json:"version"`

	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime"`
	CompletionStartTime *time.Time `json:"completionStartTime"`
	Latency             *float64   `json:"latency"`          // seconds
	TimeToFirstToken    *float64   `json:"timeToFirstToken"` // seconds

	Model           *string `json:"model"`
	ModelParameters any     `json:"modelParameters"`
	Input           any     `json:"input"`
	Output          any     `json:"output"`
	Metadata        any     `json:"metadata"`

	Usage            Usage   `json:"usage"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	Unit             *string `json:"unit"`

	ModelID              *string  `json:"modelId"`
	InputPrice           *float64 `json:"inputPrice"`
	OutputPrice          *float64 `json:"outputPrice"`
	TotalPrice           *float64 `json:"totalPrice"`
	CalculatedInputCost  *float64 `json:"calculatedInputCost"`
	CalculatedOutputCost *float64 `json:"calculatedOutputCost"`
	CalculatedTotalCost  *float64 `json:"calculatedTotalCost"`

	PromptID      *string `json:"promptId"`
	PromptName    *string `json:"promptName"`
	PromptVersion *int64  `json:"promptVersion"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Price is a single price entry of a model.
type Price struct {
	ID        string    `json:"id" db:"id"`
	ModelID   string    `json:"modelId" db:"model_id"`
	UsageType UsageType `json:"usageType" db:"usage_type"`
	Price     float64   `json:"price" db:"price"`
}

// Model is a priced LLM model definition. A nil ProjectID marks a global
// model that applies to every project.
type Model struct {
	ID        string  `json:"id" db:"id"`
	ProjectID *string `json:"projectId" db:"project_id"`
	ModelName string  `json:"modelName" db:"model_name"`
	Prices    []Price `json:"prices"`
}

// PriceFor returns the price for the given usage type, or nil when the model
// has no entry for it.
func (m *Model) PriceFor(usageType UsageType) *float64 {
	if m == nil {
		return nil
	}
	for i := range m.Prices {
		if m.Prices[i].UsageType == usageType {
			p := m.Prices[i].Price
			return &p
		}
	}
	return nil
}

// Meta is the pagination metadata of a list response.
type Meta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int64 `json:"totalPages"`
}

// ObservationsResponse is the body returned by the observations list endpoint.
type ObservationsResponse struct {
	Data []Observation `json:"data"`
	Meta Meta          `json:"meta"`
}
