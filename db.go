package hearth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hearth-db/hearth/thyme"
)

// Migration is a field-level record migration applied by Sweep. It
// returns true if it changed the record.
type Migration func(*Record) bool

// DB is the store handle. Open one with [Open] and close it with
// [Close]. All operations are safe for concurrent use: a store-level
// mutex serializes mutation, so there is one writer at a time and tree
// edits are atomic with respect to readers.
type DB struct {
	config  Config
	root    string
	log     zerolog.Logger
	journal *Journal
	sched   *Scheduler

	mu         sync.Mutex
	years      map[int]*Year
	latest     map[string]*Record
	migrations []Migration
	closed     bool
}

// Open opens or creates a store rooted at cfg.Dir, replays the journal
// and starts the maintenance scheduler if one is configured.
func Open(cfg Config) (*DB, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("open: dir is required")
	}
	if cfg.Journal.IdleClose <= 0 {
		cfg.Journal.IdleClose = DefaultConfig("").Journal.IdleClose
	}
	if cfg.Journal.RetainSegments <= 0 {
		cfg.Journal.RetainSegments = DefaultConfig("").Journal.RetainSegments
	}

	db := &DB{
		config: cfg,
		root:   cfg.treeRoot(),
		log:    cfg.logger(),
		years:  make(map[int]*Year),
		latest: make(map[string]*Record),
	}
	if err := os.MkdirAll(db.root, 0o755); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.journal = newJournal(db, cfg.journalPath(), cfg.Journal, db.log)
	db.journal.Replay()

	if cfg.Schedule.Tick > 0 {
		db.sched = NewScheduler(cfg.Schedule.Tick)
		hour := cfg.Schedule.MaintenanceHour
		db.sched.OnHour(func(h int) {
			if h == hour {
				if err := db.Flush(true, true); err != nil {
					db.log.Error().Err(err).Msg("daily flush failed")
				}
				db.journal.RequestRotate()
			}
		})
		db.sched.Start()
	}
	return db, nil
}

// Close shuts the store down: the scheduler stops, the journal is
// closed synchronously (flushing its buffer), then every dirty day is
// flushed. This ordering guarantees each record is either in a
// just-flushed day file or still on disk in a journal segment for
// replay at the next start.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.sched != nil {
		db.sched.Stop()
	}
	_ = db.journal.Close()
	return db.Flush(false, false)
}

// Submit accepts one or more inbound records through the journal. It
// is the entry point for live postings.
func (db *DB) Submit(recs ...*Record) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.mu.Unlock()
	return db.journal.Append(recs)
}

// SubmitJSON accepts a JSON payload holding one record object or an
// array of them.
func (db *DB) SubmitJSON(data []byte) error {
	recs, err := decodeRecords(data)
	if err != nil {
		return validationError("bad json")
	}
	return db.Submit(recs...)
}

// OnHour registers an hourly callback on the maintenance scheduler,
// for external pollers. No-op if the scheduler is off.
func (db *DB) OnHour(fn func(hour int)) {
	if db.sched != nil {
		db.sched.OnHour(fn)
	}
}

// RegisterMigration registers a field-level migration applied to every
// record visited by Sweep.
func (db *DB) RegisterMigration(m Migration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.migrations = append(db.migrations, m)
}

// Ingest adds a record to the day cache. Live ingestion seeds a newly
// created day's initial state from the latest-state map and updates
// that map; historical loads do neither. The day's on-disk content is
// merged first, then a duplicate (time, source) identity is dropped.
// Returns whether the record was newly added.
func (db *DB) Ingest(rec *Record, live bool) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.ingestLocked(rec, live)
}

func (db *DB) ingestLocked(rec *Record, live bool) (bool, error) {
	tm := rec.Time()
	if tm == nil {
		return false, validationError("bad time format")
	}

	day := db.findOrCreateDayLocked(tm, live)
	db.ensureLoadedLocked(day)

	// Duplicates are common because devices post a buffer of recent
	// data along with each new record.
	if day.find(tm.Millis(), rec.Src) != nil {
		recordsDuplicateTotal.Inc()
		return false, nil
	}

	if day.add(rec) {
		db.log.Info().Str("date", day.tm.FormatDate()).Msg("resorting day records")
	}
	recordsIngestedTotal.Inc()

	if live {
		cur := db.latest[rec.Src]
		if cur == nil || rec.Millis() >= cur.Millis() {
			db.latest[rec.Src] = rec.clean()
		}
	}
	return true, nil
}

// findOrCreateDayLocked walks the year/month/day ownership tree,
// creating missing nodes. A day created during live ingestion starts
// from the latest-state map; otherwise its initial state stays empty.
func (db *DB) findOrCreateDayLocked(tm *thyme.Time, live bool) *Day {
	year := db.years[tm.Year]
	if year == nil {
		year = &Year{tm: tm.Clone().SetMidnight(), months: make(map[int]*Month)}
		db.years[tm.Year] = year
	}
	month := year.months[tm.Month]
	if month == nil {
		month = &Month{tm: tm.Clone().SetMidnight(), days: make(map[int]*Day)}
		year.months[tm.Month] = month
	}
	day := month.days[tm.Day]
	if day == nil {
		var init map[string]*Record
		if live {
			init = copyState(db.latest)
		}
		day = newDay(tm, init)
		month.days[tm.Day] = day
	}
	return day
}

// getDayLocked returns the cached day for tm's date, or nil.
func (db *DB) getDayLocked(tm *thyme.Time) *Day {
	if year := db.years[tm.Year]; year != nil {
		if month := year.months[tm.Month]; month != nil {
			return month.days[tm.Day]
		}
	}
	return nil
}

// materializeDayLocked returns the day for tm's date, creating and
// loading it if a day file exists on disk. Returns nil if the date has
// no data anywhere.
func (db *DB) materializeDayLocked(tm *thyme.Time) *Day {
	day := db.getDayLocked(tm)
	if day == nil {
		if _, err := os.Stat(dayPath(db.root, tm)); err != nil {
			return nil
		}
		day = db.findOrCreateDayLocked(tm, false)
	}
	db.ensureLoadedLocked(day)
	return day
}

// ensureLoadedLocked merges the day's on-disk content exactly once.
// The loaded flag is set before the read starts: reading feeds records
// back through ingest, which consults the flag.
func (db *DB) ensureLoadedLocked(day *Day) {
	if day.loaded {
		return
	}
	day.loaded = true
	db.readDayFileLocked(day)
}

// readDayFileLocked reads and merges a day file, if one exists. A
// malformed file is logged and skipped; the rest of the store keeps
// operating.
func (db *DB) readDayFileLocked(day *Day) {
	path := dayPath(db.root, day.tm)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			db.log.Error().Err(err).Str("path", path).Msg("day read failed")
		}
		return
	}
	db.log.Info().Str("path", path).Msg("reading day file")

	var df dayFile
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		// Legacy format: a bare record array, no version or state.
		if err := json.Unmarshal(data, &df.Recs); err != nil {
			db.log.Warn().Str("path", path).Msg("JSON parse error in day file")
			return
		}
	} else {
		if err := json.Unmarshal(data, &df); err != nil {
			db.log.Warn().Str("path", path).Msg("JSON parse error in day file")
			return
		}
		day.version = df.Version
		if df.InitState != nil {
			// The persisted snapshot wins over a live seed; a sweep
			// reconciles either way.
			day.initState = df.InitState
		}
	}

	if len(day.recs) == 0 {
		// Fast path: the file's array is already sorted and deduped,
		// accept it verbatim. Drop records whose time no longer
		// parses rather than poisoning the sequence.
		recs := df.Recs[:0]
		for _, rec := range df.Recs {
			if rec.Time() == nil {
				db.log.Warn().Str("path", path).Str("t", rec.T).Msg("dropping record with bad time")
				continue
			}
			recs = append(recs, rec)
		}
		day.recs = recs
		return
	}
	// The day already has in-memory records: merge one at a time so
	// dedup, sort and dirty tracking apply.
	for _, rec := range df.Recs {
		_, _ = db.ingestLocked(rec, false)
	}
}

// LoadRange forces the lazy load of every cached or on-disk day in the
// inclusive date range. It is idempotent.
func (db *DB) LoadRange(start, end *thyme.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.eachDayLocked(start, end, func(*Day) {})
}

// eachDayLocked materializes each existing day in the inclusive range
// in chronological order and passes it to fn.
func (db *DB) eachDayLocked(start, end *thyme.Time, fn func(*Day)) {
	cur := start.Clone().SetMidnight()
	endMs := end.Clone().SetMidnight().Millis()
	for cur.Millis() <= endMs {
		if day := db.materializeDayLocked(cur); day != nil {
			fn(day)
		}
		cur.AddDays(1)
	}
}

// Sweep walks the day range in order, repairing each day's initial
// state to the true source-wise reduction of all earlier days in the
// range and applying registered migrations. Repaired or migrated days
// are marked dirty. The running state starts empty, so a sweep should
// start at the first day of the store for absolute truth.
func (db *DB) Sweep(start, end *thyme.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()

	state := make(map[string]*Record)
	db.eachDayLocked(start, end, func(day *Day) {
		if !stateEqual(day.initState, state) {
			day.initState = copyState(state)
			day.changed = true
			db.log.Info().Str("date", day.tm.FormatDate()).Msg("sweep repaired init state")
		}
		for _, rec := range day.recs {
			for _, m := range db.migrations {
				if m(rec) {
					day.changed = true
				}
			}
		}
		day.reduceState(state)
	})
}

// Flush writes every dirty day to disk, or every day if forced, bumping
// each written day's version by one. With purge, days outside the
// retention window (everything but the current day) are then evicted
// from memory when clean; they reload transparently on next reference.
func (db *DB) Flush(force, purge bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flush(force, purge)
}

func (db *DB) flush(force, purge bool) error {
	var firstErr error
	today := thyme.Now().SetMidnight().Millis()

	for _, year := range db.sortedYearsLocked() {
		for _, month := range sortedMonths(year) {
			for _, day := range sortedDays(month) {
				if day.changed || force {
					if err := db.writeDayLocked(day); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
			if purge {
				for n, day := range month.days {
					if !day.changed && day.tm.Millis() != today {
						delete(month.days, n)
					}
				}
			}
		}
		if purge {
			for n, month := range year.months {
				if len(month.days) == 0 {
					delete(year.months, n)
				}
			}
		}
	}
	if purge {
		for n, year := range db.years {
			if len(year.months) == 0 {
				delete(db.years, n)
			}
		}
	}
	return firstErr
}

// writeDayLocked rewrites one day file wholesale. A write failure is
// logged, leaves the day dirty and does not consume a version.
func (db *DB) writeDayLocked(day *Day) error {
	if err := os.MkdirAll(monthPath(db.root, day.tm), 0o755); err != nil {
		db.log.Error().Err(err).Str("date", day.tm.FormatDate()).Msg("day write failed")
		return err
	}
	day.version++
	df := dayFile{
		Recs:      day.cleanRecs(),
		Version:   day.version,
		InitState: day.initState,
	}
	data, err := json.MarshalIndent(&df, "", " ")
	if err != nil {
		day.version--
		return err
	}
	path := dayPath(db.root, day.tm)
	db.log.Info().Str("path", path).Msg("writing day file")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		day.version--
		db.log.Error().Err(err).Str("path", path).Msg("day write failed")
		return err
	}
	day.changed = false
	dayFlushesTotal.Inc()
	return nil
}

// QueryLatest returns the latest-state map: each source's most recent
// record, independent of day boundaries.
func (db *DB) QueryLatest() map[string]*Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	return copyState(db.latest)
}

// DayData is one day of a range query: the date and its records with
// derived fields stripped.
type DayData struct {
	Date string    `json:"date"`
	Recs []*Record `json:"recs"`
}

// QueryDays returns the redacted records of each existing day in the
// inclusive range. A non-nil channel set restricts the result to
// records whose source matches one of its source patterns.
func (db *DB) QueryDays(start, end *thyme.Time, filter *ChannelSet) []*DayData {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []*DayData
	db.eachDayLocked(start, end, func(day *Day) {
		dd := &DayData{Date: day.tm.FormatDate()}
		for _, rec := range day.recs {
			if filter != nil && !filter.MatchSource(rec.Src) {
				continue
			}
			dd.Recs = append(dd.Recs, rec.clean())
		}
		out = append(out, dd)
	})
	return out
}

// FilterMissing ingests the given records as a historical load and
// returns the ones that were actually missing from the store. Invalid
// records are skipped.
func (db *DB) FilterMissing(recs []*Record) []*Record {
	db.mu.Lock()
	defer db.mu.Unlock()

	var missing []*Record
	for _, rec := range recs {
		if rec.Validate() != nil {
			continue
		}
		if added, _ := db.ingestLocked(rec, false); added {
			missing = append(missing, rec)
		}
	}
	return missing
}

// FindFirstDay returns midnight of the earliest known day, scanning
// both the on-disk tree and not-yet-flushed in-memory days. Returns
// nil if the store is empty.
func (db *DB) FindFirstDay() *thyme.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.findEdgeDayLocked(false)
}

// FindLastDay is the counterpart of FindFirstDay for the latest day.
func (db *DB) FindLastDay() *thyme.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.findEdgeDayLocked(true)
}

func (db *DB) findEdgeDayLocked(last bool) *thyme.Time {
	best := db.scanDiskEdge(last)
	for _, year := range db.years {
		for _, month := range year.months {
			for _, day := range month.days {
				if len(day.recs) == 0 && !day.changed {
					continue
				}
				if best == nil ||
					(last && day.tm.Millis() > best.Millis()) ||
					(!last && day.tm.Millis() < best.Millis()) {
					best = day.tm.Clone()
				}
			}
		}
	}
	return best
}

// scanDiskEdge walks the directory tree for the first or last day file.
// Path segments are fixed width and zero padded, so plain lexicographic
// order is date order.
func (db *DB) scanDiskEdge(last bool) *thyme.Time {
	for _, y := range sortedDirNames(db.root, last, 4) {
		for _, m := range sortedDirNames(filepath.Join(db.root, y), last, 2) {
			for _, d := range sortedDayFiles(filepath.Join(db.root, y, m), last) {
				if tm := thyme.ParseRelaxed(fmt.Sprintf("%s-%s-%s", y, m, d)); tm != nil {
					return tm
				}
			}
		}
	}
	return nil
}

// sortedDirNames lists the numeric subdirectories of dir with the given
// fixed name width, sorted lexicographically (descending when last).
func sortedDirNames(dir string, last bool, width int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) == width && allDigits(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sortNames(names, last)
	return names
}

// sortedDayFiles lists the DD part of the day files in dir, sorted
// lexicographically (descending when last).
func sortedDayFiles(dir string, last bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && len(name) == len("00.json") && strings.HasSuffix(name, ".json") &&
			allDigits(name[:2]) {
			names = append(names, name[:2])
		}
	}
	sortNames(names, last)
	return names
}

func sortNames(names []string, descending bool) {
	sort.Strings(names)
	if descending {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// StoreStatus summarizes the in-memory cache for health checks.
type StoreStatus struct {
	Days     int    `json:"days"`
	Records  int    `json:"records"`
	Sources  int    `json:"sources"`
	FirstDay string `json:"firstDay,omitempty"`
	LastDay  string `json:"lastDay,omitempty"`
}

// Status reports in-memory day and record counts and the first and
// last known day.
func (db *DB) Status() StoreStatus {
	db.mu.Lock()
	defer db.mu.Unlock()

	st := StoreStatus{Sources: len(db.latest)}
	for _, year := range db.years {
		for _, month := range year.months {
			for _, day := range month.days {
				st.Days++
				st.Records += len(day.recs)
			}
		}
	}
	if first := db.findEdgeDayLocked(false); first != nil {
		st.FirstDay = first.FormatDate()
	}
	if lastDay := db.findEdgeDayLocked(true); lastDay != nil {
		st.LastDay = lastDay.FormatDate()
	}
	return st
}

// copyState clones a source-to-record state map with derived state
// stripped.
func copyState(state map[string]*Record) map[string]*Record {
	out := make(map[string]*Record, len(state))
	for src, rec := range state {
		out[src] = rec.clean()
	}
	return out
}

// stateEqual compares two state maps by canonical JSON, which ignores
// derived fields and map ordering.
func stateEqual(a, b map[string]*Record) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func (db *DB) sortedYearsLocked() []*Year {
	nums := make([]int, 0, len(db.years))
	for n := range db.years {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]*Year, len(nums))
	for i, n := range nums {
		out[i] = db.years[n]
	}
	return out
}

func sortedMonths(year *Year) []*Month {
	nums := make([]int, 0, len(year.months))
	for n := range year.months {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]*Month, len(nums))
	for i, n := range nums {
		out[i] = year.months[n]
	}
	return out
}

func sortedDays(month *Month) []*Day {
	nums := make([]int, 0, len(month.days))
	for n := range month.days {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]*Day, len(nums))
	for i, n := range nums {
		out[i] = month.days[n]
	}
	return out
}
