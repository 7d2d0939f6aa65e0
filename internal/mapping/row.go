package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/roamdata/migrator/internal/catalog"
)

// Row is one untyped source record keyed by column name, as produced by
// pgx.RowToMap. Mappings turn it into catalog values through the typed
// accessors below, which separate absent values from invalid ones.
type Row map[string]any

// value returns the column value and whether it is present. NULL and
// blank strings count as absent.
func (r Row) value(key string) (any, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
	case pgtype.Numeric:
		if !t.Valid {
			return nil, false
		}
	}
	return v, true
}

// String returns the column rendered as trimmed text, or "" when absent.
func (r Row) String(key string) string {
	v, ok := r.value(key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case []byte:
		return strings.TrimSpace(string(s))
	case time.Time:
		return s.Format(time.RFC3339)
	case pgtype.Numeric:
		return formatNumeric(s)
	default:
		return fmt.Sprint(v)
	}
}

// formatNumeric renders integral values without exponent or fraction, so
// NUMERIC ids keep their plain digits.
func formatNumeric(n pgtype.Numeric) string {
	if n.Int != nil && !n.NaN && n.InfinityModifier == pgtype.Finite {
		if i, err := n.Int64Value(); err == nil && i.Valid {
			return strconv.FormatInt(i.Int64, 10)
		}
	}
	if f, err := n.Float64Value(); err == nil && f.Valid {
		return strconv.FormatFloat(f.Float64, 'f', -1, 64)
	}
	return ""
}

// OptFloat parses a numeric column. Absent yields nil, nil.
func (r Row) OptFloat(key string) (*float64, error) {
	v, ok := r.value(key)
	if !ok {
		return nil, nil
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, &catalog.ValidationError{Field: key, Value: v, Reason: "not numeric"}
		}
		f = parsed
	case pgtype.Numeric:
		f8, err := n.Float64Value()
		if err != nil || !f8.Valid {
			return nil, &catalog.ValidationError{Field: key, Value: v, Reason: "not numeric"}
		}
		f = f8.Float64
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", "."), 64)
		if err != nil {
			return nil, &catalog.ValidationError{Field: key, Value: v, Reason: "not numeric"}
		}
		f = parsed
	default:
		return nil, &catalog.ValidationError{Field: key, Value: v, Reason: fmt.Sprintf("unsupported type %T", v)}
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &catalog.ValidationError{Field: key, Value: v, Reason: "not finite"}
	}
	return &f, nil
}

// OptInt parses an integral column. Absent yields nil, nil.
func (r Row) OptInt(key string) (*int, error) {
	f, err := r.OptFloat(key)
	if err != nil || f == nil {
		return nil, err
	}
	if *f != math.Trunc(*f) {
		return nil, &catalog.ValidationError{Field: key, Value: *f, Reason: "not an integer"}
	}
	i := int(*f)
	return &i, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// OptTime parses a timestamp column. Absent yields nil, nil.
func (r Row) OptTime(key string) (*time.Time, error) {
	v, ok := r.value(key)
	if !ok {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		u := t.UTC()
		return &u, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				u := parsed.UTC()
				return &u, nil
			}
		}
		return nil, &catalog.ValidationError{Field: key, Value: v, Reason: "unparseable timestamp"}
	default:
		return nil, &catalog.ValidationError{Field: key, Value: v, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// Bool returns a boolean column, or def when absent or unrecognized.
func (r Row) Bool(key string, def bool) bool {
	v, ok := r.value(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	case int64:
		return b != 0
	case int32:
		return b != 0
	case int:
		return b != 0
	}
	return def
}

// Strings returns a list column. Arrays, JSON arrays and comma-separated
// text are accepted; blanks are dropped.
func (r Row) Strings(key string) []string {
	v, ok := r.value(key)
	if !ok {
		return nil
	}

	var items []string
	switch list := v.(type) {
	case []string:
		items = list
	case []any:
		for _, item := range list {
			if item != nil {
				items = append(items, fmt.Sprint(item))
			}
		}
	case string:
		s := strings.TrimSpace(list)
		if strings.HasPrefix(s, "[") {
			var decoded []string
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				items = decoded
				break
			}
		}
		items = strings.Split(s, ",")
	default:
		items = []string{fmt.Sprint(v)}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Set returns an open set column: a JSON object of flags, or a list whose
// members are all true. Keys are lowercased.
func (r Row) Set(key string) map[string]bool {
	v, ok := r.value(key)
	if !ok {
		return nil
	}

	out := map[string]bool{}
	switch m := v.(type) {
	case map[string]any:
		for k, flag := range m {
			switch f := flag.(type) {
			case bool:
				out[strings.ToLower(k)] = f
			case nil:
			default:
				out[strings.ToLower(k)] = Row{k: f}.Bool(k, true)
			}
		}
	case string:
		s := strings.TrimSpace(m)
		if strings.HasPrefix(s, "{") {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return Row{key: decoded}.Set(key)
			}
		}
		for _, item := range r.Strings(key) {
			out[strings.ToLower(item)] = true
		}
	default:
		for _, item := range r.Strings(key) {
			out[strings.ToLower(item)] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Raw serializes the whole row as JSON with sorted keys for forensic replay.
func (r Row) Raw() (json.RawMessage, error) {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(r))
	for _, k := range keys {
		ordered[k] = r[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("marshaling raw row: %w", err)
	}
	return b, nil
}

// Pick returns a Row restricted to the given columns.
func (r Row) Pick(keys ...string) Row {
	out := make(Row, len(keys))
	for _, k := range keys {
		if v, ok := r[k]; ok {
			out[k] = v
		}
	}
	return out
}

// requireID returns the raw source id, or a SkipError when it is absent.
func (r Row) requireID(key string) (string, error) {
	id := r.String(key)
	if id == "" {
		return "", &catalog.SkipError{Field: key}
	}
	return id, nil
}

// coordinates validates a lat/lon column pair.
func (r Row) coordinates(latKey, lonKey string) (catalog.Coordinates, error) {
	lat, err := r.OptFloat(latKey)
	if err != nil {
		return catalog.Coordinates{}, err
	}
	lon, err := r.OptFloat(lonKey)
	if err != nil {
		return catalog.Coordinates{}, err
	}
	return catalog.NewCoordinates(lat, lon)
}
