package maintenance

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		src   string
	}{
		{"*/15 * * * *", SpecCron, 0, "*/15 * * * *", "cron"},
		{"@hourly", SpecCron, 0, "@hourly", "cron"},
		{"cron:0 0 * * *", SpecCron, 0, "0 0 * * *", "cron"},
		{"10m", SpecInterval, 10 * time.Minute, "", "duration"},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, "", "hhmm"},
		{"every:45s", SpecInterval, 45 * time.Second, "", "duration"},
		{"interval: 00:05", SpecInterval, 5 * time.Minute, "", "hhmm"},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) err = %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron || got.Source != tc.src {
			t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
		}
	}
}

func TestParseScheduleErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "cron:", "soon", "00:00", "-5m", "01:75", "every:"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q) should fail", in)
		}
	}
}

func TestScheduleStartupSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p, _ := ParseSchedule("10m")
	sched, err := p.Schedule(now, "stale_claims")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	first := sched.Next(now)
	if first.Before(now.Add(10*time.Minute)) || !first.Before(now.Add(10*time.Minute+maxStartupSpread)) {
		t.Fatalf("first run = %v, want within [10m, 10m30s)", first.Sub(now))
	}

	c, _ := ParseSchedule("0 */5 * * * *")
	cs, err := c.Schedule(now, "x")
	if err != nil {
		t.Fatalf("Schedule(cron with seconds): %v", err)
	}
	if next := cs.Next(now); !next.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("cron next = %v, want +5m", next.Sub(now))
	}
	if _, err := (ParsedSpec{Kind: SpecCron, Cron: "not a cron"}).Schedule(now, "x"); err == nil {
		t.Fatal("invalid cron should fail")
	}
}
