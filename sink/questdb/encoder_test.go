package questdb

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

func testRow(seq int64, value float64) point.DataPoint {
	return point.DataPoint{
		Sequence:  point.ResolvedSequence(seq),
		Name:      "B1/PUMP_1/FLOW",
		Value:     value,
		Quality:   point.QualityGood,
		Timestamp: time.Unix(0, 1724932800000000000),
	}
}

func TestEncodeRow(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	row, err := enc.AppendRow(nil, testRow(1042, 42.0))
	require.NoError(t, err)
	assert.Equal(t,
		"point_data sequence=1042i,value=42.0,quality=0i 1724932800000000000\n",
		string(row))
}

func TestEncodeRowDeterministic(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)
	dp := testRow(7, 19.25)

	a, err := enc.AppendRow(nil, dp)
	require.NoError(t, err)
	b, err := enc.AppendRow(nil, dp)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeRowValueForms(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	cases := []struct {
		value float64
		want  string
	}{
		{42, "value=42.0"},
		{-42, "value=-42.0"},
		{19.25, "value=19.25"},
		{0, "value=0.0"},
		{1e21, "value=1e+21"},
	}
	for _, tc := range cases {
		row, err := enc.AppendRow(nil, testRow(1, tc.value))
		require.NoError(t, err)
		assert.Contains(t, string(row), tc.want)
	}
}

func TestEncodeRowQuality(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	dp := testRow(1, 1.0)
	dp.Quality = point.QualityUncertain
	row, err := enc.AppendRow(nil, dp)
	require.NoError(t, err)
	assert.Contains(t, string(row), "quality=2i")

	dp.Quality = point.Quality(9)
	_, err = enc.AppendRow(nil, dp)
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeRowRejectsUnresolved(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	dp := testRow(1, 1.0)
	dp.Sequence = point.UnresolvedSequence()
	_, err := enc.AppendRow(nil, dp)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeRowRejectsNonFinite(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := enc.AppendRow(nil, testRow(1, v))
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestEncodeRowRejectsZeroTimestamp(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	dp := testRow(1, 1.0)
	dp.Timestamp = time.Time{}
	_, err := enc.AppendRow(nil, dp)
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeBatchSkipPolicy(t *testing.T) {
	enc := NewEncoder("", NonFiniteSkip)

	points := []point.DataPoint{
		testRow(1, 1.0),
		testRow(2, math.NaN()),
		testRow(3, 3.0),
	}
	payload, skipped, err := enc.EncodeBatch(points)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Contains(t, string(payload), "sequence=1i")
	assert.Contains(t, string(payload), "sequence=3i")
	assert.NotContains(t, string(payload), "sequence=2i")
}

func TestEncodeBatchErrorPolicy(t *testing.T) {
	enc := NewEncoder("", NonFiniteError)

	_, _, err := enc.EncodeBatch([]point.DataPoint{testRow(1, math.Inf(1))})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestParseNonFinitePolicy(t *testing.T) {
	p, err := ParseNonFinitePolicy("")
	require.NoError(t, err)
	assert.Equal(t, NonFiniteError, p)

	p, err = ParseNonFinitePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, NonFiniteSkip, p)

	_, err = ParseNonFinitePolicy("bogus")
	assert.Error(t, err)
}

func TestEncoderCustomTable(t *testing.T) {
	enc := NewEncoder("other_table", NonFiniteError)

	row, err := enc.AppendRow(nil, testRow(1, 1.0))
	require.NoError(t, err)
	assert.Contains(t, string(row), "other_table sequence=")
}
