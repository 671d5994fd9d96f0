package query_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
)

func TestNewPage_RejectsNonPositiveValues(t *testing.T) {
	_, err := query.NewPage(0, 10)
	assert.ErrorIs(t, err, query.ErrInvalidPage)

	_, err = query.NewPage(1, 0)
	assert.ErrorIs(t, err, query.ErrInvalidPage)
}

func TestPage_Offset(t *testing.T) {
	tests := []struct {
		page, limit, offset int
	}{
		{1, 50, 0},
		{2, 50, 50},
		{3, 7, 14},
		{10, 1, 9},
	}

	for _, tt := range tests {
		p, err := query.NewPage(tt.page, tt.limit)
		require.NoError(t, err)
		assert.Equal(t, tt.offset, p.Offset(), "page=%d limit=%d", tt.page, tt.limit)
	}
}

func TestPage_Offset_SaturatesInsteadOfWrapping(t *testing.T) {
	tests := []struct {
		page, limit int
	}{
		{4611686018427387905, 4},
		{2305843009213693953, 4},
		{math.MaxInt, 100},
		{math.MaxInt/100 + 2, 100},
	}

	for _, tt := range tests {
		p, err := query.NewPage(tt.page, tt.limit)
		require.NoError(t, err)
		assert.Equal(t, math.MaxInt, p.Offset(), "page=%d limit=%d", tt.page, tt.limit)
	}

	p, err := query.NewPage(math.MaxInt/100+1, 100)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt/100*100, p.Offset())
}

func TestPage_TotalPages_IsCeilingOfItemsOverLimit(t *testing.T) {
	for limit := 1; limit <= 25; limit++ {
		p, err := query.NewPage(1, limit)
		require.NoError(t, err)

		for total := int64(0); total <= 200; total++ {
			want := total / int64(limit)
			if total%int64(limit) != 0 {
				want++
			}
			assert.Equal(t, want, p.TotalPages(total), "total=%d limit=%d", total, limit)
		}
	}
}

func TestPage_TotalPages_ZeroItems(t *testing.T) {
	p, err := query.NewPage(4, 50)
	require.NoError(t, err)

	assert.Equal(t, int64(0), p.TotalPages(0))
}

func TestIsInvalidInput(t *testing.T) {
	_, pageErr := query.NewPage(0, 10)
	_, typeErr := query.Compile(query.Params{Type: "BOGUS"})

	assert.True(t, query.IsInvalidInput(pageErr))
	assert.True(t, query.IsInvalidInput(typeErr))
	assert.False(t, query.IsInvalidInput(query.ErrUnsupportedPredicate))
	assert.False(t, query.IsInvalidInput(nil))
}
