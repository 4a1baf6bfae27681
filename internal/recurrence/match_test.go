package recurrence

import (
	"testing"
	"time"

	"schedflow/internal/domain"
)

func intPtr2(v int) *int { return &v }

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMatchesDailyAndWeekly(t *testing.T) {
	target := at("2019-03-22T23:00:00Z") // a Friday

	tests := []struct {
		name string
		s    domain.Schedule
		want bool
	}{
		{"daily exact", domain.Schedule{Interval: domain.Daily, Hour: 23, Minute: intPtr2(0)}, true},
		{"daily other minute", domain.Schedule{Interval: domain.Daily, Hour: 23, Minute: intPtr2(15)}, false},
		{"daily other hour", domain.Schedule{Interval: domain.Daily, Hour: 22, Minute: intPtr2(0)}, false},
		{"daily legacy nil minute", domain.Schedule{Interval: domain.Daily, Hour: 23}, true},
		{"weekly day 4", domain.Schedule{Interval: domain.Weekly, Hour: 23, Minute: intPtr2(0), Day: 4}, true},
		{"weekly day 3", domain.Schedule{Interval: domain.Weekly, Hour: 23, Minute: intPtr2(0), Day: 3}, false},
		{"monthly day 22", domain.Schedule{Interval: domain.Monthly, Hour: 23, Minute: intPtr2(0), Day: 22}, true},
		{"monthly day 21", domain.Schedule{Interval: domain.Monthly, Hour: 23, Minute: intPtr2(0), Day: 21}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.s, target); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLegacyMinuteOnlyOnTheHour(t *testing.T) {
	s := domain.Schedule{Interval: domain.Daily, Hour: 10}
	for _, m := range []int{15, 30, 45} {
		ts := time.Date(2020, 1, 1, 10, m, 0, 0, time.UTC)
		if Matches(s, ts) {
			t.Errorf("legacy schedule matched at minute %d", m)
		}
	}
	if !Matches(s, time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Error("legacy schedule did not match at :00")
	}
}

func TestCandidatesMinuteZeroIncludesLegacy(t *testing.T) {
	keys := Candidates(domain.Daily, at("2020-01-01T10:00:00Z"))
	if len(keys) != 2 {
		t.Fatalf("Candidates() returned %d keys, want 2", len(keys))
	}
	if keys[0].Minute != nil || keys[1].Minute == nil || *keys[1].Minute != 0 {
		t.Errorf("Candidates() = %+v, want nil and 0 minute", keys)
	}

	keys = Candidates(domain.Daily, at("2020-01-01T10:30:00Z"))
	if len(keys) != 1 || keys[0].Minute == nil || *keys[0].Minute != 30 {
		t.Errorf("Candidates() = %+v, want single minute 30", keys)
	}
}

// countMonthlyFires walks every grid instant of a month and counts matches.
func countMonthlyFires(s domain.Schedule, year int, month time.Month) (int, []int) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	end := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	n := 0
	var days []int
	for _, ts := range Instants(start, end) {
		if Matches(s, ts) {
			n++
			days = append(days, ts.Day())
		}
	}
	return n, days
}

func TestMonthlyDay31FiresExactlyOncePerMonth(t *testing.T) {
	s := domain.Schedule{Interval: domain.Monthly, Hour: 9, Minute: intPtr2(0), Day: 31}

	tests := []struct {
		year    int
		month   time.Month
		wantDay int
	}{
		{2019, time.January, 31},
		{2019, time.February, 28},
		{2020, time.February, 29},
		{2019, time.April, 30},
		{2019, time.March, 31},
	}
	for _, tt := range tests {
		n, days := countMonthlyFires(s, tt.year, tt.month)
		if n != 1 {
			t.Errorf("%d-%02d: fired %d times (days %v), want 1", tt.year, tt.month, n, days)
			continue
		}
		if days[0] != tt.wantDay {
			t.Errorf("%d-%02d: fired on day %d, want %d", tt.year, tt.month, days[0], tt.wantDay)
		}
	}
}

func TestMonthlyDay30InFebruary(t *testing.T) {
	s := domain.Schedule{Interval: domain.Monthly, Hour: 0, Minute: intPtr2(45), Day: 30}
	n, days := countMonthlyFires(s, 2019, time.February)
	if n != 1 || days[0] != 28 {
		t.Errorf("fired %d times on %v, want once on 28", n, days)
	}
}

func TestMonthlyDay31OnlyOnThe31stInLongMonth(t *testing.T) {
	s := domain.Schedule{Interval: domain.Monthly, Hour: 12, Minute: intPtr2(0), Day: 31}
	for d := 1; d <= 30; d++ {
		if Matches(s, time.Date(2019, time.May, d, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("matched on May %d", d)
		}
	}
	if !Matches(s, time.Date(2019, time.May, 31, 12, 0, 0, 0, time.UTC)) {
		t.Error("did not match on May 31")
	}
}

func TestMatchesIsPure(t *testing.T) {
	s := domain.Schedule{Interval: domain.Weekly, Hour: 23, Minute: intPtr2(0), Day: 4}
	ts := at("2019-03-22T23:00:00Z")
	first := Matches(s, ts)
	for i := 0; i < 10; i++ {
		Matches(domain.Schedule{Interval: domain.Daily, Hour: i}, ts)
		if Matches(s, ts) != first {
			t.Fatal("Matches() result changed between calls")
		}
	}
}

func TestWeekday(t *testing.T) {
	if got := Weekday(at("2019-03-18T00:00:00Z")); got != 0 {
		t.Errorf("Weekday(Monday) = %d, want 0", got)
	}
	if got := Weekday(at("2019-03-24T00:00:00Z")); got != 6 {
		t.Errorf("Weekday(Sunday) = %d, want 6", got)
	}
}

func TestInstants(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       []string
	}{
		{"strict lower bound", "2019-03-22T23:00:00Z", "2019-03-22T23:30:00Z", []string{"2019-03-22T23:15:00Z", "2019-03-22T23:30:00Z"}},
		{"fractional start", "2019-03-22T22:46:00.439979Z", "2019-03-22T23:11:38.363898Z", []string{"2019-03-22T23:00:00Z"}},
		{"just before mark", "2019-03-22T22:59:59.9Z", "2019-03-22T23:00:00.1Z", []string{"2019-03-22T23:00:00Z"}},
		{"empty", "2019-03-22T23:01:00Z", "2019-03-22T23:14:59Z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, _ := time.Parse(time.RFC3339Nano, tt.start)
			end, _ := time.Parse(time.RFC3339Nano, tt.end)
			got := Instants(start, end)
			if len(got) != len(tt.want) {
				t.Fatalf("Instants() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].Format(time.RFC3339) != tt.want[i] {
					t.Errorf("Instants()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDaysIn(t *testing.T) {
	if DaysIn(2020, time.February) != 29 || DaysIn(2019, time.February) != 28 || DaysIn(2019, time.December) != 31 {
		t.Error("DaysIn() returned wrong month length")
	}
}
