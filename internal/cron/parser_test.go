package cron

import (
	"errors"
	"testing"
	"time"
)

func TestParser_Interval(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want time.Duration
	}{
		{"go duration", "15m", 15 * time.Minute},
		{"every", "@every 30m", 30 * time.Minute},
		{"hourly", "@hourly", time.Hour},
		{"daily", "@daily", 24 * time.Hour},
		{"weekly", "@weekly", 7 * 24 * time.Hour},
		{"every 5 minutes", "*/5 * * * *", 5 * time.Minute},
		{"every hour", "0 * * * *", time.Hour},
		{"daily 2:30am", "30 2 * * *", 24 * time.Hour},
		{"padded", "  @every 2h  ", 2 * time.Hour},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Interval(tt.spec)
			if err != nil {
				t.Fatalf("Interval(%q) returned error: %v", tt.spec, err)
			}
			if got != tt.want {
				t.Errorf("Interval(%q) = %s, want %s", tt.spec, got, tt.want)
			}
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"invalid minute 60", "60 * * * *"},
		{"invalid hour 25", "0 25 * * *"},
		{"non-numeric", "abc * * * *"},
		{"empty", ""},
		{"bad every", "@every soon"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Interval(tt.spec); err == nil {
				t.Errorf("Interval(%q) should return error", tt.spec)
			}
		})
	}
}

func TestParser_NonPositive(t *testing.T) {
	p := NewParser()
	for _, spec := range []string{"0s", "-5m"} {
		if _, err := p.Interval(spec); !errors.Is(err, ErrNonPositiveInterval) {
			t.Errorf("Interval(%q) error = %v, want ErrNonPositiveInterval", spec, err)
		}
	}
	if _, err := p.Seconds("500ms"); !errors.Is(err, ErrNonPositiveInterval) {
		t.Errorf("Seconds(500ms) error = %v, want ErrNonPositiveInterval", err)
	}
}

func TestParser_Seconds(t *testing.T) {
	p := NewParser()
	got, err := p.Seconds("@every 90s")
	if err != nil {
		t.Fatal(err)
	}
	if got != 90 {
		t.Errorf("Seconds = %d, want 90", got)
	}
}
