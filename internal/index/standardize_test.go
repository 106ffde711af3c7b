package index

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardize_MeanZeroStddevOne(t *testing.T) {
	in := tbl([]string{"elevation", "poverty_rate"}, map[string][]float64{
		"u1": {12.0, 0.10},
		"u2": {55.5, 0.32},
		"u3": {3.2, 0.18},
		"u4": {40.0, 0.25},
	})

	res, err := Standardize("flood", in, []string{"elevation", "poverty_rate"})
	require.NoError(t, err)
	assert.Empty(t, res.Degenerate)

	units := res.Table.UnitIDs()
	for _, col := range []string{"elevation", "poverty_rate"} {
		var sum, ss float64
		for _, u := range units {
			sum += res.Table.Rows[u][col]
		}
		mean := sum / float64(len(units))
		for _, u := range units {
			d := res.Table.Rows[u][col] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(len(units)-1))

		assert.InDelta(t, 0.0, mean, 1e-12, col)
		assert.InDelta(t, 1.0, sd, 1e-12, col)
	}
}

func TestStandardize_KnownValues(t *testing.T) {
	in := tbl([]string{"a"}, map[string][]float64{
		"u1": {1}, "u2": {2}, "u3": {3},
	})

	res, err := Standardize("d", in, []string{"a"})
	require.NoError(t, err)

	// mean 2, sample sd 1
	assert.InDelta(t, -1.0, res.Table.Rows["u1"]["a"], 1e-12)
	assert.InDelta(t, 0.0, res.Table.Rows["u2"]["a"], 1e-12)
	assert.InDelta(t, 1.0, res.Table.Rows["u3"]["a"], 1e-12)
}

func TestStandardize_DegenerateColumnFlaggedNotFatal(t *testing.T) {
	in := tbl([]string{"a", "constant"}, map[string][]float64{
		"u1": {1, 7}, "u2": {2, 7}, "u3": {3, 7},
	})

	res, err := Standardize("d", in, []string{"a", "constant"})
	require.NoError(t, err)

	require.Len(t, res.Degenerate, 1)
	assert.Equal(t, "constant", res.Degenerate[0].Column)
	assert.Equal(t, "d", res.Degenerate[0].Domain)
	for _, u := range []string{"u1", "u2", "u3"} {
		assert.Zero(t, res.Table.Rows[u]["constant"])
	}
	// The non-degenerate column still standardizes normally.
	assert.InDelta(t, -1.0, res.Table.Rows["u1"]["a"], 1e-12)
}

func TestStandardize_MissingIndicator(t *testing.T) {
	in := tbl([]string{"a"}, map[string][]float64{"u1": {1}, "u2": {2}})

	_, err := Standardize("d", in, []string{"a", "slope"})
	require.Error(t, err)

	var missing *MissingIndicatorError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "slope", missing.Column)
	assert.Equal(t, "d", missing.Domain)
}

func TestStandardize_TooFewUnits(t *testing.T) {
	in := tbl([]string{"a"}, map[string][]float64{"u1": {1}})

	_, err := Standardize("d", in, []string{"a"})
	assert.Error(t, err)
}
