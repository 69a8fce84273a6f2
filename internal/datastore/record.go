package datastore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

const (
	FieldID             = "id"
	FieldOrganizationID = "organization_id"
	FieldName           = "name"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
)

// TimestampLayout is the ISO-8601 form of created_at/updated_at.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Record is the decoded content of one entity file. Values are JSON-typed:
// string, float64, bool, nil, []any and map[string]any.
type Record map[string]any

// ID returns the record identity; the filename never is.
func (r Record) ID() string {
	return stringField(r, FieldID)
}

func (r Record) OrganizationID() string {
	return stringField(r, FieldOrganizationID)
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return deepCopy(map[string]any(r)).(map[string]any)
}

// Entry is a record together with the file it was read from. It is the unit
// stored in bucket cache snapshots, so writes always know the file hash.
type Entry struct {
	Path   string `json:"path"`
	Hash   string `json:"hash"`
	Record Record `json:"record"`
}

// normalizeRecord converts arbitrary Go values into their JSON-typed form.
func normalizeRecord(in map[string]any) (Record, error) {
	if in == nil {
		return Record{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode record: %v: %w", err, ErrInvalidRecord)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode record: %v: %w", err, ErrInvalidRecord)
	}
	return out, nil
}

// normalizeValue converts a filter value into its JSON-typed form.
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode filter value: %v: %w", err, ErrInvalidRecord)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeRecord parses a stored file. Files that are not JSON objects with an id are rejected.
func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("content is not a JSON object")
	}
	switch id := rec[FieldID].(type) {
	case string:
		if id == "" {
			return nil, fmt.Errorf("empty id")
		}
	case float64:
		rec[FieldID] = strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return nil, fmt.Errorf("missing id")
	}
	return rec, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(raw, '\n'), nil
}

// matches applies AND-ed exact-match filters; an absent field equals nil.
func matches(rec Record, filters map[string]any) bool {
	for field, want := range filters {
		if !reflect.DeepEqual(rec[field], want) {
			return false
		}
	}
	return true
}

// nextTimestamp returns now, or a microsecond past prev when the clock has not moved past it.
func nextTimestamp(now time.Time, prev any) string {
	now = now.UTC().Truncate(time.Microsecond)
	if s, ok := prev.(string); ok {
		if prevTime, err := time.Parse(time.RFC3339Nano, s); err == nil && !now.After(prevTime) {
			now = prevTime.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
		}
	}
	return now.Format(TimestampLayout)
}

func stringField(r Record, field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case Record:
		return deepCopy(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
