package query

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPage is returned when page or limit is below 1.
var ErrInvalidPage = errors.New("invalid pagination")

// Page is a one-based page number with a page size.
type Page struct {
	number int
	limit  int
}

// NewPage validates and returns a Page.
func NewPage(number, limit int) (Page, error) {
	if number < 1 {
		return Page{}, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidPage, number)
	}
	if limit < 1 {
		return Page{}, fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidPage, limit)
	}
	return Page{number: number, limit: limit}, nil
}

// Number returns the one-based page number as requested.
func (p Page) Number() int { return p.number }

// Limit returns the page size.
func (p Page) Limit() int { return p.limit }

// Offset returns the zero-based row offset, (page-1)*limit. It saturates at
// math.MaxInt, which is past the last row of any result.
func (p Page) Offset() int {
	if p.limit < 1 {
		return 0
	}
	if p.number-1 > math.MaxInt/p.limit {
		return math.MaxInt
	}
	return (p.number - 1) * p.limit
}

// TotalPages returns ceil(totalItems/limit), which is 0 for an empty result.
func (p Page) TotalPages(totalItems int64) int64 {
	if totalItems <= 0 {
		return 0
	}
	limit := int64(p.limit)
	return (totalItems + limit - 1) / limit
}

// IsInvalidInput reports whether err stems from caller-supplied parameters
// rather than from a backend.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidPage) || errors.Is(err, ErrInvalidObservationType)
}
