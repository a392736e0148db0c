// Package cron turns schedule expressions into the fixed intervals the job
// catalog runs on.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrNonPositiveInterval = errors.New("schedule interval must be positive")

// reference anchors interval measurement for calendar expressions. It is a
// Monday at midnight UTC so weekday ranges start on their first activation.
var reference = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Interval parses spec and returns the gap between consecutive activations.
//
// Accepted forms: a Go duration ("15m"), "@every <duration>", the predefined
// descriptors ("@hourly", "@daily", ...) and 5-field cron expressions. For
// calendar expressions the gap is measured between the first two activations
// after a fixed reference time, so irregular expressions collapse to their first
// gap.
func (p *Parser) Interval(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("parse schedule: empty expression")
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return 0, ErrNonPositiveInterval
		}
		return d, nil
	}

	sched, err := p.parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("parse schedule: %w", err)
	}

	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		if every.Delay <= 0 {
			return 0, ErrNonPositiveInterval
		}
		return every.Delay, nil
	}

	first := sched.Next(reference)
	second := sched.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, fmt.Errorf("parse schedule: %q never fires", spec)
	}
	return second.Sub(first), nil
}

// Seconds is Interval rounded down to whole seconds.
func (p *Parser) Seconds(spec string) (int64, error) {
	d, err := p.Interval(spec)
	if err != nil {
		return 0, err
	}
	s := int64(d / time.Second)
	if s <= 0 {
		return 0, ErrNonPositiveInterval
	}
	return s, nil
}
