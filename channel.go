package hearth

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/hearth-db/hearth/thyme"
)

// ChannelSet is a parsed channel-set spec. The grammar is a comma
// separated list of clauses:
//
//	sourcePattern)prop1[^mask1[^mask2...]])prop2...
//
// The source pattern matches source names (alphanumeric plus dot) with
// * wildcards. Each )prop segment emits one channel per matched source;
// a ^N decimal suffix restricts the channel to one masked bit field of
// a numeric property, and repeated ^ suffixes fan out one channel per
// mask. An empty property name counts occurrences, which is useful for
// payload-less event markers.
//
// A clause with no property segments contributes only source matching,
// which is how QueryDays uses a channel set as a source filter.
type ChannelSet struct {
	clauses []chanClause
}

type chanClause struct {
	pattern string
	props   []chanProp
}

type chanProp struct {
	name  string
	masks []int64
}

// ParseChannelSet parses a channel-set spec. Returns an error wrapping
// ErrBadChannelSet on any syntax problem.
func ParseChannelSet(spec string) (*ChannelSet, error) {
	cs := &ChannelSet{}
	for _, clauseText := range strings.Split(spec, ",") {
		segs := strings.Split(clauseText, ")")
		pattern := segs[0]
		if pattern == "" || !validSourcePattern(pattern) {
			return nil, fmt.Errorf("%w: bad source pattern %q", ErrBadChannelSet, pattern)
		}
		clause := chanClause{pattern: pattern}
		for _, seg := range segs[1:] {
			parts := strings.Split(seg, "^")
			prop := chanProp{name: parts[0]}
			if !validPropName(prop.name) {
				return nil, fmt.Errorf("%w: bad property %q", ErrBadChannelSet, prop.name)
			}
			for _, m := range parts[1:] {
				mask, err := strconv.ParseInt(m, 10, 64)
				if err != nil || mask <= 0 {
					return nil, fmt.Errorf("%w: bad mask %q", ErrBadChannelSet, m)
				}
				prop.masks = append(prop.masks, mask)
			}
			clause.props = append(clause.props, prop)
		}
		cs.clauses = append(cs.clauses, clause)
	}
	return cs, nil
}

// MatchSource reports whether any clause's source pattern matches src.
func (cs *ChannelSet) MatchSource(src string) bool {
	for _, clause := range cs.clauses {
		if matchPattern(clause.pattern, src) {
			return true
		}
	}
	return false
}

func validSourcePattern(pat string) bool {
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') &&
			!(c >= '0' && c <= '9') && c != '.' && c != '*' {
			return false
		}
	}
	return true
}

func validPropName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// matchPattern matches s against a pattern whose only metacharacter
// is *, which matches any run of characters.
func matchPattern(pat, s string) bool {
	if pat == "" {
		return s == ""
	}
	if pat[0] == '*' {
		for i := 0; i <= len(s); i++ {
			if matchPattern(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	}
	return s != "" && pat[0] == s[0] && matchPattern(pat[1:], s[1:])
}

// Channel is one decoded per-(source, property, mask) series. A
// single-bit channel reports on/cycle duration pairs; any other
// channel reports which value was held for how long, as parallel
// arrays where Values[i] was held for Durations[i] milliseconds.
type Channel struct {
	// ID encodes source, property and mask, e.g. "ma1)inp^16".
	ID string `json:"id"`
	// SingleBit marks a boolean channel decoded from a one-bit mask.
	SingleBit bool `json:"singleBit"`
	// Initial is the channel's value at the start of the query range.
	Initial float64 `json:"initial"`

	Values    []float64 `json:"values,omitempty"`
	Durations []int64   `json:"durations,omitempty"`
	Ons       []int64   `json:"ons,omitempty"`
	Cycles    []int64   `json:"cycles,omitempty"`

	mask    int64
	shift   int
	counter bool

	last       float64
	lastTime   int64
	onTime     int64
	cycleStart int64
}

// newChannel creates a channel starting at startMs, seeded with the
// range's starting aggregate value for the property (raw, pre-mask).
func newChannel(src, prop string, mask int64, startMs int64, initialRaw float64) *Channel {
	ch := &Channel{
		ID:      src + ")" + prop,
		mask:    mask,
		counter: prop == "",
	}
	if mask != 0 {
		ch.ID += "^" + strconv.FormatInt(mask, 10)
		ch.shift = bits.TrailingZeros64(uint64(mask))
		ch.SingleBit = bits.OnesCount64(uint64(mask)) == 1
	}
	ch.Initial = ch.applyMask(initialRaw)
	ch.last = ch.Initial
	ch.lastTime = startMs
	ch.onTime = startMs
	ch.cycleStart = startMs
	return ch
}

func (ch *Channel) applyMask(v float64) float64 {
	if ch.mask == 0 {
		return v
	}
	return float64((int64(v) & ch.mask) >> ch.shift)
}

// apply decodes one property value observed at time t. Values that do
// not change the channel's state are ignored; a change emits a
// transition. A transition with zero elapsed time replaces the held
// value instead of emitting, so simultaneous updates collapse.
func (ch *Channel) apply(raw float64, t int64) {
	v := ch.applyMask(raw)
	if ch.counter {
		v = ch.last + 1
	}
	if v == ch.last {
		return
	}
	if ch.SingleBit {
		if v != 0 {
			// Rising edge only marks when the on period began.
			ch.onTime = t
		} else {
			ch.Ons = append(ch.Ons, t-ch.onTime)
			ch.Cycles = append(ch.Cycles, t-ch.cycleStart)
			ch.cycleStart = t
		}
	} else {
		if el := t - ch.lastTime; el > 0 {
			ch.Values = append(ch.Values, ch.last)
			ch.Durations = append(ch.Durations, el)
		}
		ch.lastTime = t
	}
	ch.last = v
}

// flush forces one final transition at end, the synthetic terminal
// sentinel, so the duration of the last held state through the query's
// end is captured. Must run once per channel after the last record.
func (ch *Channel) flush(end int64) {
	if ch.SingleBit {
		if ch.last != 0 && end >= ch.onTime {
			ch.Ons = append(ch.Ons, end-ch.onTime)
			ch.Cycles = append(ch.Cycles, end-ch.cycleStart)
			ch.cycleStart = end
			ch.last = 0
		}
		return
	}
	if el := end - ch.lastTime; el > 0 {
		ch.Values = append(ch.Values, ch.last)
		ch.Durations = append(ch.Durations, el)
		ch.lastTime = end
	}
}

// QueryChannels decodes the channel set over the inclusive day range.
// Channels are created lazily as matching records appear, seeded from
// the range's starting aggregate state (the first day's initial state).
//
// The flush endpoint is normally the end of the range. When the range's
// tail abuts the most recent day the store has ever seen, the endpoint
// is extended to the current instant so an ongoing state shows a
// growing duration - never beyond the current instant, and never when
// the last real record already exceeds the nominal range end.
func (db *DB) QueryChannels(set *ChannelSet, start, end *thyme.Time) []*Channel {
	db.mu.Lock()
	defer db.mu.Unlock()

	startMid := start.Clone().SetMidnight()
	endMid := end.Clone().SetMidnight()
	startMs := startMid.Millis()

	startState := make(map[string]*Record)
	if first := db.materializeDayLocked(startMid); first != nil && first.initState != nil {
		startState = first.initState
	}

	var channels []*Channel
	index := make(map[string]*Channel)
	var lastApplied int64

	db.eachDayLocked(startMid, endMid, func(day *Day) {
		for _, rec := range day.recs {
			ms := rec.Millis()
			for _, clause := range set.clauses {
				if !matchPattern(clause.pattern, rec.Src) {
					continue
				}
				for _, prop := range clause.props {
					masks := prop.masks
					if len(masks) == 0 {
						masks = []int64{0}
					}
					for _, mask := range masks {
						key := rec.Src + "\x00" + prop.name + "\x00" + strconv.FormatInt(mask, 10)
						ch := index[key]
						if ch == nil {
							var initial float64
							if prior := startState[rec.Src]; prior != nil {
								initial, _ = prior.Field(prop.name)
							}
							ch = newChannel(rec.Src, prop.name, mask, startMs, initial)
							index[key] = ch
							channels = append(channels, ch)
						}
						if ch.counter {
							ch.apply(0, ms)
							lastApplied = ms
						} else if v, ok := rec.Field(prop.name); ok {
							ch.apply(v, ms)
							lastApplied = ms
						}
					}
				}
			}
		}
	})

	endpoint := endMid.Clone().AddDays(1).Millis()
	if lastDay := db.findEdgeDayLocked(true); lastDay != nil && endMid.Millis() >= lastDay.Millis() {
		if lastApplied <= endpoint {
			endpoint = thyme.Now().Millis()
		}
	}
	for _, ch := range channels {
		ch.flush(endpoint)
	}
	return channels
}
