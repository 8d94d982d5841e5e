package hearth

import (
	"encoding/json"
	"strings"

	"github.com/hearth-db/hearth/thyme"
)

// manualPanelPrefix marks sources following the manual input panel
// naming convention (short alphabetic prefix plus digits, e.g. "ma1").
// Panel records must carry the numeric input bitmask.
const manualPanelPrefix = "ma"

// Record is a single telemetry posting: a timestamp, a source id, and
// arbitrary typed fields. Recognized source kinds use the closed fields
// below; everything else lands in Extra so unknown source types round
// trip without schema churn. Identity is (time in ms, source).
type Record struct {
	// T is the timestamp text in the canonical format.
	T string
	// Src identifies the emitting device or sensor.
	Src string
	// Inp is the input bitmask of a manual panel source. Required for
	// sources with the panel prefix, absent otherwise.
	Inp *int64
	// Temp and Humid are the weather station fields.
	Temp  *float64
	Humid *float64
	// Extra holds fields of unrecognized source types verbatim.
	Extra map[string]any

	// tm caches the parsed time. It is derived state and is never
	// written to disk.
	tm *thyme.Time
}

// Time returns the parsed timestamp, parsing and caching it on first
// use. Returns nil if T is not a valid canonical timestamp.
func (r *Record) Time() *thyme.Time {
	if r.tm == nil {
		r.tm = thyme.Parse(r.T)
	}
	return r.tm
}

// Millis returns the record's timestamp in epoch milliseconds, or -1 if
// the timestamp does not parse.
func (r *Record) Millis() int64 {
	tm := r.Time()
	if tm == nil {
		return -1
	}
	return tm.Millis()
}

// Validate checks the record's structure. It returns nil for a valid
// record, else a ValidationError naming the first problem found.
// Sources with the manual panel prefix must carry the numeric input
// field; all other sources are unconstrained beyond having a name.
func (r *Record) Validate() error {
	if r == nil {
		return validationError("not an object")
	}
	if r.T == "" {
		return validationError("no time")
	}
	if thyme.Parse(r.T) == nil {
		return validationError("bad time format")
	}
	if r.Src == "" {
		return validationError("no source")
	}
	if strings.HasPrefix(r.Src, manualPanelPrefix) && r.Inp == nil {
		return validationError("no input value in " + manualPanelPrefix + " record")
	}
	return nil
}

// Field returns the named numeric field's value, looking through the
// closed fields first and the open field map second.
func (r *Record) Field(name string) (float64, bool) {
	switch name {
	case "inp":
		if r.Inp != nil {
			return float64(*r.Inp), true
		}
	case "temp":
		if r.Temp != nil {
			return *r.Temp, true
		}
	case "humid":
		if r.Humid != nil {
			return *r.Humid, true
		}
	default:
		if v, ok := r.Extra[name]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// clean returns a copy of the record without derived state, safe to
// persist or hand out from queries.
func (r *Record) clean() *Record {
	c := *r
	c.tm = nil
	return &c
}

// sameIdentity reports whether two records share the (time, source)
// identity.
func sameIdentity(a, b *Record) bool {
	return a.Src == b.Src && a.Millis() == b.Millis()
}

// MarshalJSON flattens the closed fields and the open field map into a
// single object, excluding derived state.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+len(r.Extra))
	for k, v := range r.Extra {
		m[k] = v
	}
	m["t"] = r.T
	m["src"] = r.Src
	if r.Inp != nil {
		m["inp"] = *r.Inp
	}
	if r.Temp != nil {
		m["temp"] = *r.Temp
	}
	if r.Humid != nil {
		m["humid"] = *r.Humid
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON: known keys populate the
// closed fields, everything else is kept in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Record{}
	for k, v := range m {
		switch k {
		case "t":
			if s, ok := v.(string); ok {
				r.T = s
			}
		case "src":
			if s, ok := v.(string); ok {
				r.Src = s
			}
		case "inp":
			if f, ok := v.(float64); ok {
				n := int64(f)
				r.Inp = &n
			}
		case "temp":
			if f, ok := v.(float64); ok {
				f := f
				r.Temp = &f
			}
		case "humid":
			if f, ok := v.(float64); ok {
				f := f
				r.Humid = &f
			}
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[k] = v
		}
	}
	return nil
}

// decodeRecords decodes a JSON payload holding either a single record
// object or an array of them, the two shapes accepted on submission.
func decodeRecords(data []byte) ([]*Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var recs []*Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return []*Record{&rec}, nil
}
