// Package questdb implements the time-series write path: deterministic
// line-protocol encoding and a batching HTTP writer.
package questdb

import (
	stderrors "errors"
	"math"
	"strconv"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

// DefaultTable is the time-series table rows are written to.
const DefaultTable = "point_data"

// NonFinitePolicy controls how the encoder treats NaN and infinite
// values, which the line protocol cannot represent.
type NonFinitePolicy int

const (
	// NonFiniteError rejects the row with an invalid-class error.
	NonFiniteError NonFinitePolicy = iota
	// NonFiniteSkip drops the row silently.
	NonFiniteSkip
)

// String returns the string representation of the policy
func (p NonFinitePolicy) String() string {
	switch p {
	case NonFiniteError:
		return "error"
	case NonFiniteSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseNonFinitePolicy parses a policy name
func ParseNonFinitePolicy(s string) (NonFinitePolicy, error) {
	switch s {
	case "error", "":
		return NonFiniteError, nil
	case "skip":
		return NonFiniteSkip, nil
	default:
		return NonFiniteError, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Encoder", "ParseNonFinitePolicy", "unknown policy "+strconv.Quote(s))
	}
}

// Encoder produces one line-protocol row per data point:
//
//	point_data sequence=<id>i,value=<v>,quality=<q>i <ts-ns>
//
// Encoding is deterministic: the same point always yields the same bytes,
// so replayed batches produce byte-identical rows.
type Encoder struct {
	table  string
	policy NonFinitePolicy
}

// NewEncoder creates an encoder for the given table. An empty table name
// selects DefaultTable.
func NewEncoder(table string, policy NonFinitePolicy) *Encoder {
	if table == "" {
		table = DefaultTable
	}
	return &Encoder{table: table, policy: policy}
}

// Policy returns the configured non-finite policy.
func (e *Encoder) Policy() NonFinitePolicy {
	return e.policy
}

// AppendRow appends the encoded row and a trailing newline to dst. The
// row must carry a resolved sequence id, a finite value, a valid quality
// and a non-zero timestamp; violations return dst unchanged with an
// invalid-class error. Policy is not applied here, callers that want
// NonFiniteSkip check the error against errors.ErrNonFiniteValue.
func (e *Encoder) AppendRow(dst []byte, dp point.DataPoint) ([]byte, error) {
	seq, ok := dp.Sequence.Value()
	if !ok {
		return dst, errors.WrapInvalid(errors.ErrUnresolvedWrite,
			"Encoder", "AppendRow", "row for "+dp.Name)
	}
	if math.IsNaN(dp.Value) || math.IsInf(dp.Value, 0) {
		return dst, errors.WrapInvalid(errors.ErrNonFiniteValue,
			"Encoder", "AppendRow", "row for "+dp.Name)
	}
	if !dp.Quality.Valid() {
		return dst, errors.WrapInvalid(errors.ErrInvalidData,
			"Encoder", "AppendRow", "unknown quality for "+dp.Name)
	}
	if dp.Timestamp.IsZero() {
		return dst, errors.WrapInvalid(errors.ErrInvalidData,
			"Encoder", "AppendRow", "zero timestamp for "+dp.Name)
	}

	dst = append(dst, e.table...)
	dst = append(dst, " sequence="...)
	dst = strconv.AppendInt(dst, seq, 10)
	dst = append(dst, "i,value="...)
	dst = appendFloat(dst, dp.Value)
	dst = append(dst, ",quality="...)
	dst = strconv.AppendInt(dst, int64(dp.Quality), 10)
	dst = append(dst, "i "...)
	dst = strconv.AppendInt(dst, dp.Timestamp.UnixNano(), 10)
	dst = append(dst, '\n')
	return dst, nil
}

// EncodeBatch encodes all rows, applying the non-finite policy. Under
// NonFiniteSkip the skipped count is returned; under NonFiniteError the
// first offending row fails the whole call.
func (e *Encoder) EncodeBatch(points []point.DataPoint) (payload []byte, skipped int, err error) {
	for _, dp := range points {
		next, rowErr := e.AppendRow(payload, dp)
		if rowErr != nil {
			if e.policy == NonFiniteSkip && stderrors.Is(rowErr, errors.ErrNonFiniteValue) {
				skipped++
				continue
			}
			return nil, 0, rowErr
		}
		payload = next
	}
	return payload, skipped, nil
}

// appendFloat writes a float that the line protocol will parse back as a
// double. Values with no fractional part get an explicit ".0" so they
// cannot be mistaken for integer columns.
func appendFloat(dst []byte, v float64) []byte {
	start := len(dst)
	dst = strconv.AppendFloat(dst, v, 'g', -1, 64)
	for i := start; i < len(dst); i++ {
		switch dst[i] {
		case '.', 'e', 'E':
			return dst
		}
	}
	return append(dst, ".0"...)
}
