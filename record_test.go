package hearth

import (
	"encoding/json"
	"errors"
	"testing"
)

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name   string
		rec    *Record
		reason string
	}{
		{"nil record", nil, "not an object"},
		{"missing time", &Record{Src: "boiler"}, "no time"},
		{"garbage time", &Record{T: "yesterday", Src: "boiler"}, "bad time format"},
		{"missing source", &Record{T: "2021-03-14 10:00:00.000"}, "no source"},
		{"panel without input", &Record{T: "2021-03-14 10:00:00.000", Src: "ma1"},
			"no input value in ma record"},
		{"panel with input", &Record{T: "2021-03-14 10:00:00.000", Src: "ma1", Inp: int64p(5)}, ""},
		{"plain source", &Record{T: "2021-03-14 10:00:00.000", Src: "ow1", Temp: float64p(21.5)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", verr.Reason, tt.reason)
			}
		})
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	in := &Record{
		T:    "2021-03-14 10:00:00.000",
		Src:  "ma1",
		Inp:  int64p(17),
		Temp: float64p(-3.5),
		Extra: map[string]any{
			"battery": 87.0,
			"note":    "after reset",
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.T != in.T || out.Src != in.Src {
		t.Errorf("identity = (%q, %q), want (%q, %q)", out.T, out.Src, in.T, in.Src)
	}
	if out.Inp == nil || *out.Inp != 17 {
		t.Errorf("inp = %v, want 17", out.Inp)
	}
	if out.Temp == nil || *out.Temp != -3.5 {
		t.Errorf("temp = %v, want -3.5", out.Temp)
	}
	if out.Humid != nil {
		t.Errorf("humid = %v, want nil", out.Humid)
	}
	if got := out.Extra["battery"]; got != 87.0 {
		t.Errorf("extra battery = %v, want 87", got)
	}
	if got := out.Extra["note"]; got != "after reset" {
		t.Errorf("extra note = %v, want %q", got, "after reset")
	}
	for _, key := range []string{"t", "src", "inp", "temp"} {
		if _, ok := out.Extra[key]; ok {
			t.Errorf("closed field %q leaked into Extra", key)
		}
	}
}

func TestRecordField(t *testing.T) {
	rec := &Record{
		T:     "2021-03-14 10:00:00.000",
		Src:   "ma1",
		Inp:   int64p(18),
		Humid: float64p(40),
		Extra: map[string]any{"level": 3.0, "mode": "auto"},
	}
	tests := []struct {
		name string
		want float64
		ok   bool
	}{
		{"inp", 18, true},
		{"humid", 40, true},
		{"temp", 0, false},
		{"level", 3, true},
		{"mode", 0, false},
		{"absent", 0, false},
	}
	for _, tt := range tests {
		if got, ok := rec.Field(tt.name); got != tt.want || ok != tt.ok {
			t.Errorf("Field(%q) = (%v, %v), want (%v, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecodeRecords(t *testing.T) {
	recs, err := decodeRecords([]byte(`{"t":"2021-03-14 10:00:00.000","src":"ow1","temp":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Src != "ow1" {
		t.Fatalf("single object decode = %+v", recs)
	}

	recs, err = decodeRecords([]byte(
		` [{"t":"2021-03-14 10:00:00.000","src":"ow1"},{"t":"2021-03-14 10:00:01.000","src":"ow2"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].Src != "ow2" {
		t.Fatalf("array decode = %+v", recs)
	}

	if _, err := decodeRecords([]byte(`{broken`)); err == nil {
		t.Fatal("want error for malformed payload")
	}
}

func TestRecordCleanStripsDerivedState(t *testing.T) {
	rec := &Record{T: "2021-03-14 10:00:00.000", Src: "ow1"}
	if rec.Time() == nil {
		t.Fatal("Time() = nil for valid timestamp")
	}
	c := rec.clean()
	if c.tm != nil {
		t.Error("clean copy kept cached time")
	}
	if c.T != rec.T || c.Src != rec.Src {
		t.Error("clean copy lost identity fields")
	}
	if !sameIdentity(rec, c) {
		t.Error("clean copy has different identity")
	}
}
