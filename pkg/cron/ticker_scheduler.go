package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/shardsched/pkg/ports"
)

// TickerScheduler is a stand-in CronScheduler for local exercise: it
// understands only "@every <duration>", not five-field cron syntax. A real
// deployment wires in an actual cron-expression evaluator through the same
// ports.CronScheduler interface.
type TickerScheduler struct{}

// NewTickerScheduler returns a TickerScheduler.
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

func (s *TickerScheduler) Parse(expr string) (ports.Schedule, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(expr), "@every")
	if rest == expr {
		return nil, fmt.Errorf("cron: unsupported expression %q, only \"@every <duration>\" is accepted", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("cron: invalid duration in %q: %w", expr, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("cron: duration must be positive, got %q", expr)
	}
	return intervalSchedule{interval: d}, nil
}

type intervalSchedule struct {
	interval time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}
