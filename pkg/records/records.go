// Package records defines the flat record representation shared by the
// extractor, the staging loader, and the warehouse load path.
//
// A Record is a single entity row as returned by the source query endpoint:
// field name -> scalar value. Values keep the JSON types produced by
// encoding/json (string, float64, bool, nil); typing into warehouse scalars
// happens later, in the cast/transform step.
package records

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one flat entity row keyed by field name.
type Record map[string]any

// EncodeLine renders the record as a single NDJSON line (no trailing newline).
// Only the named fields are emitted, in the given order, so that staged files
// are byte-stable for identical input.
func (r Record) EncodeLine(fields []string) ([]byte, error) {
	buf := make([]byte, 0, 64*len(fields))
	buf = append(buf, '{')
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("records: marshal field name %q: %w", f, err)
		}
		v, err := json.Marshal(r[f])
		if err != nil {
			return nil, fmt.Errorf("records: marshal field %q: %w", f, err)
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// DecodeLine parses one NDJSON line back into a Record.
func DecodeLine(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("records: decode line: %w", err)
	}
	return r, nil
}

// Text renders a record value as the text form stored in the all-string raw
// staging table. nil maps to the empty string; numbers render in plain
// decimal notation with the fewest digits that round-trip, never exponent
// form, so downstream casts to integer types parse the literal.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
