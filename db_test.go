package hearth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hearth-db/hearth/thyme"
)

// testConfig returns a quiet configuration rooted in a fresh temp dir,
// with the maintenance scheduler off.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Schedule.Tick = 0
	nop := zerolog.Nop()
	cfg.Logger = &nop
	return cfg
}

func openTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustSubmit(t *testing.T, db *DB, recs ...*Record) {
	t.Helper()
	if err := db.Submit(recs...); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func day(t *testing.T, date string) *thyme.Time {
	t.Helper()
	tm := thyme.ParseRelaxed(date)
	if tm == nil {
		t.Fatalf("bad test date %q", date)
	}
	return tm
}

func TestSubmitAndQueryDays(t *testing.T) {
	db := openTestDB(t, testConfig(t))

	mustSubmit(t, db,
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(4.5)},
		&Record{T: "2021-03-14 11:00:00.000", Src: "boiler", Extra: map[string]any{"burn": 1.0}},
	)

	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	if len(days) != 1 {
		t.Fatalf("got %d days, want 1", len(days))
	}
	if days[0].Date != "2021-03-14" {
		t.Errorf("date = %q", days[0].Date)
	}
	if len(days[0].Recs) != 2 {
		t.Fatalf("got %d records, want 2", len(days[0].Recs))
	}
	if days[0].Recs[0].Src != "ow1" || days[0].Recs[1].Src != "boiler" {
		t.Errorf("order = %q, %q", days[0].Recs[0].Src, days[0].Recs[1].Src)
	}
}

func TestDuplicateIdentityDropped(t *testing.T) {
	db := openTestDB(t, testConfig(t))

	// Devices post a trailing buffer of recent data with each new
	// record, so resubmission of the same identity is routine.
	rec := func() *Record {
		return &Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(4.5)}
	}
	mustSubmit(t, db, rec())
	mustSubmit(t, db, rec())
	mustSubmit(t, db, rec(), &Record{T: "2021-03-14 10:00:01.000", Src: "ow1"})

	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	if n := len(days[0].Recs); n != 2 {
		t.Fatalf("got %d records, want 2", n)
	}
}

func TestOutOfOrderArrivalResorts(t *testing.T) {
	db := openTestDB(t, testConfig(t))

	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:02.000", Src: "ow1"})
	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:01.000", Src: "ow1"})
	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:03.000", Src: "ow1"})

	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	recs := days[0].Recs
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Millis() < recs[i-1].Millis() {
			t.Fatalf("records out of order at %d: %q after %q", i, recs[i].T, recs[i-1].T)
		}
	}
}

func TestSubmitValidationFirstError(t *testing.T) {
	db := openTestDB(t, testConfig(t))

	err := db.Submit(
		&Record{T: "2021-03-14 10:00:00.000"}, // no source
		&Record{T: "2021-03-14 10:00:01.000", Src: "ow1"},
		&Record{T: "2021-03-14 10:00:02.000", Src: "ma1"}, // no input
	)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != "no source" {
		t.Fatalf("err = %v, want first validation error %q", err, "no source")
	}

	// The valid sibling was still accepted.
	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	if len(days) != 1 || len(days[0].Recs) != 1 || days[0].Recs[0].Src != "ow1" {
		t.Fatalf("days = %+v, want only the valid record", days)
	}
}

func TestSubmitJSON(t *testing.T) {
	db := openTestDB(t, testConfig(t))

	if err := db.SubmitJSON([]byte(`{"t":"2021-03-14 10:00:00.000","src":"ow1","temp":4.5}`)); err != nil {
		t.Fatalf("single object: %v", err)
	}
	if err := db.SubmitJSON([]byte(`[{"t":"2021-03-14 11:00:00.000","src":"ow2"}]`)); err != nil {
		t.Fatalf("array: %v", err)
	}

	err := db.SubmitJSON([]byte(`{broken`))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != "bad json" {
		t.Fatalf("err = %v, want %q", err, "bad json")
	}

	st := db.Status()
	if st.Records != 2 {
		t.Errorf("records = %d, want 2", st.Records)
	}
}

func TestFlushWritesDayFile(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(4.5)})
	if err := db.Flush(false, false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(cfg.Dir, "years", "2021", "03", "14.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("day file missing: %v", err)
	}
	var df dayFile
	if err := json.Unmarshal(data, &df); err != nil {
		t.Fatal(err)
	}
	if df.Version != 1 {
		t.Errorf("version = %d, want 1", df.Version)
	}
	if len(df.Recs) != 1 || df.Recs[0].Src != "ow1" {
		t.Errorf("recs = %+v", df.Recs)
	}

	// A second change bumps the version by exactly one.
	mustSubmit(t, db, &Record{T: "2021-03-14 11:00:00.000", Src: "ow1"})
	if err := db.Flush(false, false); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if err := json.Unmarshal(data, &df); err != nil {
		t.Fatal(err)
	}
	if df.Version != 2 {
		t.Errorf("version = %d, want 2", df.Version)
	}
}

func TestReopenLoadsFromDisk(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	mustSubmit(t, db,
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1"},
		&Record{T: "2021-03-14 11:00:00.000", Src: "ow2"},
	)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: the journal replays and the day file merges; the two
	// sources of the same records must not double up.
	db2 := openTestDB(t, cfg)
	days := db2.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	if len(days) != 1 || len(days[0].Recs) != 2 {
		t.Fatalf("days = %+v, want the 2 original records", days)
	}
}

func TestLegacyDayFileReadable(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.Dir, "years", "2020", "05")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	legacy := `[{"t":"2020-05-01 08:30:00.000","src":"boiler","burn":1}]`
	if err := os.WriteFile(filepath.Join(dir, "01.json"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	db := openTestDB(t, cfg)
	days := db.QueryDays(day(t, "2020-05-01"), day(t, "2020-05-01"), nil)
	if len(days) != 1 || len(days[0].Recs) != 1 {
		t.Fatalf("days = %+v", days)
	}
	if v, ok := days[0].Recs[0].Field("burn"); !ok || v != 1 {
		t.Errorf("burn = %v, %v", v, ok)
	}
}

func TestPurgeEvictsCleanDays(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:00.000", Src: "ow1"})

	if err := db.Flush(false, true); err != nil {
		t.Fatal(err)
	}
	if st := db.Status(); st.Days != 0 {
		t.Fatalf("days in memory after purge = %d, want 0", st.Days)
	}

	// The evicted day reloads transparently.
	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	if len(days) != 1 || len(days[0].Recs) != 1 {
		t.Fatalf("days after reload = %+v", days)
	}
}

func TestQueryLatest(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db,
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(1)},
		&Record{T: "2021-03-14 12:00:00.000", Src: "ow1", Temp: float64p(3)},
		&Record{T: "2021-03-14 11:00:00.000", Src: "ow1", Temp: float64p(2)},
		&Record{T: "2021-03-13 23:00:00.000", Src: "boiler"},
	)

	latest := db.QueryLatest()
	if len(latest) != 2 {
		t.Fatalf("sources = %d, want 2", len(latest))
	}
	rec := latest["ow1"]
	if rec == nil || rec.Temp == nil || *rec.Temp != 3 {
		t.Errorf("latest ow1 = %+v, want temp 3", rec)
	}
}

func TestSweepRepairsInitState(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	// Historical load: day files arrive without state seeding.
	if _, err := db.Ingest(&Record{T: "2021-03-13 10:00:00.000", Src: "ow1", Temp: float64p(7)}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Ingest(&Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(9)}, false); err != nil {
		t.Fatal(err)
	}

	db.Sweep(day(t, "2021-03-13"), day(t, "2021-03-14"))
	if err := db.Flush(false, false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Dir, "years", "2021", "03", "14.json"))
	if err != nil {
		t.Fatal(err)
	}
	var df dayFile
	if err := json.Unmarshal(data, &df); err != nil {
		t.Fatal(err)
	}
	prior := df.InitState["ow1"]
	if prior == nil || prior.Temp == nil || *prior.Temp != 7 {
		t.Fatalf("initState ow1 = %+v, want the previous day's record", prior)
	}
}

func TestSweepAppliesMigrations(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:00.000", Src: "ow1",
		Extra: map[string]any{"temperature": 4.5}})

	db.RegisterMigration(func(rec *Record) bool {
		v, ok := rec.Extra["temperature"]
		if !ok {
			return false
		}
		if f, ok := v.(float64); ok {
			rec.Temp = &f
		}
		delete(rec.Extra, "temperature")
		return true
	})
	db.Sweep(day(t, "2021-03-14"), day(t, "2021-03-14"))

	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), nil)
	rec := days[0].Recs[0]
	if rec.Temp == nil || *rec.Temp != 4.5 {
		t.Errorf("migrated temp = %v", rec.Temp)
	}
	if _, ok := rec.Extra["temperature"]; ok {
		t.Error("old field survived migration")
	}
}

func TestFilterMissing(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db, &Record{T: "2021-03-14 10:00:00.000", Src: "ow1"})

	missing := db.FilterMissing([]*Record{
		{T: "2021-03-14 10:00:00.000", Src: "ow1"}, // already present
		{T: "2021-03-14 10:00:01.000", Src: "ow1"}, // new
		{T: "2021-03-14 10:00:02.000", Src: ""},    // invalid, skipped
	})
	if len(missing) != 1 || missing[0].T != "2021-03-14 10:00:01.000" {
		t.Fatalf("missing = %+v", missing)
	}
}

func TestFindFirstAndLastDay(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	if db.FindFirstDay() != nil || db.FindLastDay() != nil {
		t.Fatal("edges of an empty store should be nil")
	}

	mustSubmit(t, db,
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1"},
		&Record{T: "2020-11-02 09:00:00.000", Src: "ow1"},
	)
	if got := db.FindFirstDay().FormatDate(); got != "2020-11-02" {
		t.Errorf("first = %q", got)
	}
	if got := db.FindLastDay().FormatDate(); got != "2021-03-14" {
		t.Errorf("last = %q", got)
	}

	// After a flush and purge the edges come from the disk scan.
	if err := db.Flush(false, true); err != nil {
		t.Fatal(err)
	}
	if got := db.FindFirstDay().FormatDate(); got != "2020-11-02" {
		t.Errorf("first after purge = %q", got)
	}
	if got := db.FindLastDay().FormatDate(); got != "2021-03-14" {
		t.Errorf("last after purge = %q", got)
	}
}

func TestQueryDaysSourceFilter(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db,
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1"},
		&Record{T: "2021-03-14 10:00:01.000", Src: "ow22"},
		&Record{T: "2021-03-14 10:00:02.000", Src: "boiler"},
	)

	filter, err := ParseChannelSet("ow*")
	if err != nil {
		t.Fatal(err)
	}
	days := db.QueryDays(day(t, "2021-03-14"), day(t, "2021-03-14"), filter)
	if len(days) != 1 || len(days[0].Recs) != 2 {
		t.Fatalf("days = %+v, want the two ow sources", days)
	}
	for _, rec := range days[0].Recs {
		if rec.Src == "boiler" {
			t.Error("filter let boiler through")
		}
	}
}

func TestStatus(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	mustSubmit(t, db,
		&Record{T: "2021-03-13 10:00:00.000", Src: "ow1"},
		&Record{T: "2021-03-14 10:00:00.000", Src: "ow1"},
		&Record{T: "2021-03-14 11:00:00.000", Src: "boiler"},
	)

	st := db.Status()
	if st.Days != 2 || st.Records != 3 || st.Sources != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.FirstDay != "2021-03-13" || st.LastDay != "2021-03-14" {
		t.Errorf("edges = %q..%q", st.FirstDay, st.LastDay)
	}
}

func TestClosedStoreRejectsSubmit(t *testing.T) {
	db := openTestDB(t, testConfig(t))
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Submit(&Record{T: "2021-03-14 10:00:00.000", Src: "ow1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}
