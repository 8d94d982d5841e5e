package hearth

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hearth-db/hearth/thyme"
)

// Day is the unit of caching and durability: one calendar day's records
// in chronological order, plus the per-source state snapshot as of the
// day's start.
type Day struct {
	// tm is the day's reference midnight.
	tm *thyme.Time

	// recs is kept sorted ascending by time, ties broken by insertion
	// order. (time, source) is unique within a day.
	recs []*Record

	// loaded is set once the day's on-disk content has been merged.
	// It is set before the disk read begins: loading feeds records
	// back through ingest, which checks this flag, so setting it
	// afterwards would recurse forever.
	loaded bool

	// changed marks the day dirty, i.e. in need of a flush.
	changed bool

	// version counts persisted writes of this day file. It is bumped
	// by exactly one per write and persisted in the file itself.
	version int

	// initState snapshots each source's last record as of the day's
	// start. Live ingestion seeds it from the latest-state map;
	// historical loads leave it empty until a sweep repairs it.
	initState map[string]*Record
}

// Month is a sparse index of days. It carries no state of its own
// beyond a reference date.
type Month struct {
	tm   *thyme.Time
	days map[int]*Day
}

// Year is a sparse index of months.
type Year struct {
	tm     *thyme.Time
	months map[int]*Month
}

// dayFile is the on-disk JSON form of a Day.
type dayFile struct {
	Recs      []*Record          `json:"recs"`
	Version   int                `json:"version"`
	InitState map[string]*Record `json:"initState,omitempty"`
}

// newDay creates a day for the date of tm with the supplied initial
// state (may be nil).
func newDay(tm *thyme.Time, initState map[string]*Record) *Day {
	return &Day{
		tm:        tm.Clone().SetMidnight(),
		initState: initState,
	}
}

// find returns the record with the given identity, or nil.
func (d *Day) find(ms int64, src string) *Record {
	for _, rec := range d.recs {
		if rec.Millis() == ms && rec.Src == src {
			return rec
		}
	}
	return nil
}

// add appends rec, re-sorting the whole sequence if it arrived out of
// chronological order. Out-of-order arrival is rare enough that a full
// sort beats maintaining an insertion position.
func (d *Day) add(rec *Record) (resorted bool) {
	d.recs = append(d.recs, rec)
	if n := len(d.recs); n > 1 && rec.Millis() < d.recs[n-2].Millis() {
		sort.SliceStable(d.recs, func(i, j int) bool {
			return d.recs[i].Millis() < d.recs[j].Millis()
		})
		resorted = true
	}
	d.changed = true
	return resorted
}

// cleanRecs returns persistence-safe copies of the day's records.
func (d *Day) cleanRecs() []*Record {
	out := make([]*Record, len(d.recs))
	for i, rec := range d.recs {
		out[i] = rec.clean()
	}
	return out
}

// reduceState folds the day's records into state, source-wise, with
// derived fields stripped. state maps source to its latest record.
func (d *Day) reduceState(state map[string]*Record) {
	for _, rec := range d.recs {
		state[rec.Src] = rec.clean()
	}
}

// monthPath returns the directory holding tm's day files. Path segments
// are fixed width and zero padded so lexicographic order is date order.
func monthPath(root string, tm *thyme.Time) string {
	return filepath.Join(root, fmt.Sprintf("%04d", tm.Year), fmt.Sprintf("%02d", tm.Month))
}

// dayPath returns the file path of tm's day file.
func dayPath(root string, tm *thyme.Time) string {
	return filepath.Join(monthPath(root, tm), fmt.Sprintf("%02d.json", tm.Day))
}
