package observations

import (
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

// Assemble shapes one page of rows into the public list response. Data is
// never nil, so an empty page encodes as [].
func Assemble(rows []models.ObservationRow, page query.Page, totalItems int64) models.ObservationsResponse {
	data := make([]models.Observation, 0, len(rows))
	for _, r := range rows {
		data = append(data, toObservation(r))
	}

	return models.ObservationsResponse{
		Data: data,
		Meta: models.Meta{
			Page:       page.Number(),
			Limit:      page.Limit(),
			TotalItems: totalItems,
			TotalPages: page.TotalPages(totalItems),
		},
	}
}

func toObservation(r models.ObservationRow) models.Observation {
	return models.Observation{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		TraceID:             r.TraceID,
		ParentObservationID: r.ParentObservationID,
		Type:                r.Type,
		Name:                r.Name,
		Level:               r.Level,
		StatusMessage:       r.StatusMessage,
		Version:             r.Version,

		StartTime:           r.StartTime,
		EndTime:             r.EndTime,
		CompletionStartTime: r.CompletionStartTime,
		Latency:             secondsSince(r.StartTime, r.EndTime),
		TimeToFirstToken:    secondsSince(r.StartTime, r.CompletionStartTime),

		Model:           r.Model,
		ModelParameters: r.ModelParameters,
		Input:           r.Input,
		Output:          r.Output,
		Metadata:        r.Metadata,

		Usage: models.Usage{
			Input:  r.PromptTokens,
			Output: r.CompletionTokens,
			Total:  r.TotalTokens,
			Unit:   r.Unit,
		},
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		Unit:             r.Unit,

		ModelID:              r.ModelID,
		InputPrice:           r.InputPrice,
		OutputPrice:          r.OutputPrice,
		TotalPrice:           r.TotalPrice,
		CalculatedInputCost:  r.CalculatedInputCost,
		CalculatedOutputCost: r.CalculatedOutputCost,
		CalculatedTotalCost:  r.CalculatedTotalCost,

		PromptID:      r.PromptID,
		PromptName:    r.PromptName,
		PromptVersion: r.PromptVersion,

		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func secondsSince(start time.Time, end *time.Time) *float64 {
	if end == nil {
		return nil
	}
	s := end.Sub(start).Seconds()
	return &s
}
