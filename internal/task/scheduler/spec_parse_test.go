package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "80s", kind: SpecInterval, every: 80 * time.Second},
		{in: " 1m ", kind: SpecInterval, every: time.Minute},
		{in: "24h", kind: SpecInterval, every: 24 * time.Hour},
		{in: "@every 80s", kind: SpecCron, cron: "@every 80s"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "0s", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q): expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
				t.Errorf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}
