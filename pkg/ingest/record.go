package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sanonone/linksage/pkg/core/types"
)

// Field aliases, matched case-insensitively. The first present alias wins.
var (
	sourceKeys      = []string{"source_id", "source", "purchaser", "patient_id", "patient", "subscriber_id"}
	targetKeys      = []string{"target_id", "target", "seller", "provider_id", "provider"}
	sourceTypeKeys  = []string{"source_type"}
	targetTypeKeys  = []string{"target_type"}
	relationKeys    = []string{"relation_type", "relation"}
	probabilityKeys = []string{"probability", "confidence", "score"}
	timestampKeys   = []string{"timestamp", "observed_at", "event_time", "ts"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Decode reads raw edge records from data, which is either a JSON array of
// objects or JSON lines. Unknown fields are ignored and numeric fields may be
// strings. Records that cannot be decoded at all are returned as errors and
// left out of the result; a missing or non-numeric probability decodes to NaN
// and is left for curation to reject.
func Decode(data []byte) ([]types.RawEdge, []*types.MalformedRecordError) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return decodeArray(trimmed)
	}
	return decodeLines(trimmed)
}

func decodeArray(data []byte) ([]types.RawEdge, []*types.MalformedRecordError) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, []*types.MalformedRecordError{{Index: 0, Reason: "invalid JSON array: " + err.Error()}}
	}
	var (
		out  []types.RawEdge
		errs []*types.MalformedRecordError
	)
	for i, item := range items {
		r, err := decodeObject(i, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	return out, errs
}

func decodeLines(data []byte) ([]types.RawEdge, []*types.MalformedRecordError) {
	var (
		out  []types.RawEdge
		errs []*types.MalformedRecordError
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	i := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		r, err := decodeObject(i, line)
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, r)
		}
		i++
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		errs = append(errs, &types.MalformedRecordError{Index: i, Reason: err.Error()})
	}
	return out, errs
}

func decodeObject(i int, raw []byte) (types.RawEdge, *types.MalformedRecordError) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		reason := "not a JSON object"
		if err != nil {
			reason = err.Error()
		}
		return types.RawEdge{}, &types.MalformedRecordError{Index: i, Reason: reason}
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(strings.TrimSpace(k))] = v
	}

	r := types.RawEdge{
		SourceID:     stringField(fields, sourceKeys),
		TargetID:     stringField(fields, targetKeys),
		SourceType:   stringField(fields, sourceTypeKeys),
		TargetType:   stringField(fields, targetTypeKeys),
		RelationType: stringField(fields, relationKeys),
		Probability:  numberField(fields, probabilityKeys),
	}
	ts, err := timeField(fields, timestampKeys)
	if err != nil {
		return types.RawEdge{}, &types.MalformedRecordError{Index: i, Field: "timestamp", Reason: err.Error()}
	}
	r.Timestamp = ts
	return r, nil
}

func lookup(fields map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, keys []string) string {
	v, ok := lookup(fields, keys)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func numberField(fields map[string]any, keys []string) float64 {
	v, ok := lookup(fields, keys)
	if !ok {
		return math.NaN()
	}
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

// timeField accepts RFC 3339 (and a few looser layouts) or unix time in
// seconds or milliseconds. A missing timestamp is the zero time.
func timeField(fields map[string]any, keys []string) (time.Time, error) {
	v, ok := lookup(fields, keys)
	if !ok {
		return time.Time{}, nil
	}
	var unix float64
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, err
		}
		unix = f
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized time %q", s)
		}
		unix = f
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %v", v)
	}
	if unix > 1e12 {
		return time.UnixMilli(int64(unix)).UTC(), nil
	}
	sec, frac := math.Modf(unix)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
