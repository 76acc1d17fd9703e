package point

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Epoch magnitude cutoffs used to guess the unit of a bare numeric
// timestamp. Anything below the millisecond cutoff is seconds, and so on
// up to nanoseconds. The ranges do not overlap for dates between 2001
// and 2286, which covers every timestamp this system will ever see.
const (
	millisCutoff = int64(1e12)
	microsCutoff = int64(1e15)
	nanosCutoff  = int64(1e18)
)

// parseTimestamp accepts the timestamp encodings producers actually
// send: RFC3339 strings and bare Unix epoch numbers in seconds,
// milliseconds, microseconds, or nanoseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return t, nil
	}

	// Producers on embedded gateways send float seconds; everything else
	// sends integers. Parse as float only when a fraction is present.
	s := string(raw)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %s: %w", s, err)
	}
	sec := int64(f)
	frac := f - float64(sec)
	return time.Unix(sec, int64(frac*1e9)), nil
}

func fromEpoch(n int64) time.Time {
	switch {
	case n == 0:
		return time.Time{}
	case n < millisCutoff:
		return time.Unix(n, 0)
	case n < microsCutoff:
		return time.UnixMilli(n)
	case n < nanosCutoff:
		return time.UnixMicro(n)
	default:
		return time.Unix(0, n)
	}
}

// UnmarshalJSON decodes a data point, tolerating the epoch-number
// timestamp forms alongside RFC3339.
func (dp *DataPoint) UnmarshalJSON(data []byte) error {
	type alias DataPoint
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(dp)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	dp.Timestamp = ts
	return nil
}
