// Package thyme implements the store's calendar arithmetic.
//
// Time is measured in milliseconds since January 1, 2000 in a fixed
// UTC-5 offset (Eastern Standard Time), never adjusted for daylight
// savings. A year is treated as a leap year iff it is divisible by 4.
// The century exception is intentionally not implemented: already
// persisted timestamps depend on this exact arithmetic, and it is
// correct within the supported 2000-2099 span anyway.
package thyme

import (
	"fmt"
	"regexp"
	"strconv"
	gotime "time"
)

// timePat accepts ISO 8601 style timestamps with at least three fraction
// digits. Any trailing text, such as a timezone suffix like -05:00, is
// ignored.
var timePat = regexp.MustCompile(`^(20\d{2})-(\d{2})-(\d{2})[T ](\d{2}):(\d{2}):(\d{2})\.(\d{3})`)

const (
	msPerSec  = 1000
	msPerMin  = 60 * msPerSec
	msPerHour = 60 * msPerMin
	msPerDay  = 24 * msPerHour

	// Days from the Unix epoch to 2000-01-01: 30 years, 7 of them leap.
	days1970to2000 = 365*30 + 7
	epochOffsetMs  = days1970to2000 * msPerDay
	estOffsetMs    = 5 * msPerHour

	// A leap cycle is four years starting with the leap year.
	daysPerLeapCycle = 1461
)

// monthSum[m] is the day-of-year offset of the first day of month m+1
// in a non-leap year; monthSumLeap is the same for leap years.
var (
	monthSum     = [12]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}
	monthSumLeap = [12]int{0, 31, 60, 91, 121, 152, 182, 213, 244, 274, 305, 335}
)

// Time is a decomposed calendar instant plus its millisecond value.
// The two representations are kept consistent by every method.
type Time struct {
	Year  int // 2000-2099
	Month int // 1-12
	Day   int // 1-31
	Hour  int // 0-23
	Min   int // 0-59
	Sec   int // 0-59
	Msec  int // 0-999

	ms int64
}

// Parse parses a timestamp under the strict canonical format
// YYYY-MM-DD[T or space]HH:MM:SS.fff. At least three fraction digits are
// required and anything after them is ignored. Returns nil if the text
// does not match or names an impossible calendar date.
func Parse(text string) *Time {
	mr := timePat.FindStringSubmatch(text)
	if mr == nil {
		return nil
	}
	tm := &Time{
		Year:  atoi(mr[1]),
		Month: atoi(mr[2]),
		Day:   atoi(mr[3]),
		Hour:  atoi(mr[4]),
		Min:   atoi(mr[5]),
		Sec:   atoi(mr[6]),
		Msec:  atoi(mr[7]),
	}
	if tm.Month < 1 || tm.Month > 12 || tm.Day < 1 || tm.Day > 31 ||
		tm.Hour > 23 || tm.Min > 59 || tm.Sec > 59 {
		return nil
	}
	tm.ms = compose(tm)
	return tm
}

// ParseRelaxed parses a bare date, supplying midnight for the missing
// time of day. Because Parse ignores trailing text, a full timestamp is
// also accepted and keeps its own time of day.
func ParseRelaxed(text string) *Time {
	return Parse(text + " 00:00:00.000")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// compose converts the calendar fields to milliseconds since the epoch.
func compose(tm *Time) int64 {
	y := tm.Year - 2000
	nLeap := (y + 3) / 4
	sums := &monthSum
	if y%4 == 0 {
		sums = &monthSumLeap
	}
	days := int64(y*365 + nLeap + sums[tm.Month-1] + tm.Day - 1)
	secs := ((days*24+int64(tm.Hour))*60+int64(tm.Min))*60 + int64(tm.Sec)
	return secs*msPerSec + int64(tm.Msec)
}

// Make builds a Time from milliseconds since the epoch.
func Make(ms int64) *Time {
	tm := &Time{}
	tm.SetTime(ms)
	return tm
}

// Now returns the current instant in the store's fixed offset calendar.
func Now() *Time {
	return Make(gotime.Now().UnixMilli() - epochOffsetMs - estOffsetMs)
}

// Millis returns the time in milliseconds since the epoch.
func (tm *Time) Millis() int64 {
	return tm.ms
}

// Clone returns an independent copy.
func (tm *Time) Clone() *Time {
	c := *tm
	return &c
}

// SetTime decomposes ms into the calendar fields. It is the exact
// inverse of the composition performed by Parse.
func (tm *Time) SetTime(ms int64) *Time {
	tm.ms = ms
	tm.Msec = int(ms % msPerSec)
	s := ms / msPerSec
	tm.Sec = int(s % 60)
	m := s / 60
	tm.Min = int(m % 60)
	h := m / 60
	tm.Hour = int(h % 24)
	d := int(h / 24)

	nCycles := d / daysPerLeapCycle
	y := nCycles * 4
	d -= nCycles * daysPerLeapCycle
	if d >= 366 {
		// First year of the cycle has 366 days.
		d -= 366
		n := d / 365
		d -= n * 365
		y += n + 1
	}
	tm.Year = y + 2000

	sums := &monthSum
	if y%4 == 0 {
		sums = &monthSumLeap
	}
	tm.Month = 12
	for i := 1; i < 12; i++ {
		if d < sums[i] {
			tm.Month = i
			break
		}
	}
	tm.Day = d - sums[tm.Month-1] + 1
	return tm
}

// SetMidnight rewinds the time to 00:00:00.000 on the same date.
func (tm *Time) SetMidnight() *Time {
	tm.ms -= int64(((tm.Hour*60+tm.Min)*60+tm.Sec)*msPerSec + tm.Msec)
	tm.Hour = 0
	tm.Min = 0
	tm.Sec = 0
	tm.Msec = 0
	return tm
}

// AddDays advances the time by n calendar days (n may be negative).
func (tm *Time) AddDays(n int) *Time {
	return tm.SetTime(tm.ms + int64(n)*msPerDay)
}

// FormatDate returns the date as YYYY-MM-DD.
func (tm *Time) FormatDate() string {
	return fmt.Sprintf("%04d-%02d-%02d", tm.Year, tm.Month, tm.Day)
}

// FormatTime returns the time of day as HH:MM:SS.FFF.
func (tm *Time) FormatTime() string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", tm.Hour, tm.Min, tm.Sec, tm.Msec)
}

// FormatDateTime returns the canonical date and time form accepted by
// Parse.
func (tm *Time) FormatDateTime() string {
	return tm.FormatDate() + " " + tm.FormatTime()
}
