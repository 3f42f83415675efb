package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/scanflow/pkg/core"
)

// Schedule computes the next activation after a given time.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// parser accepts five-field expressions plus descriptors such as @hourly and @every 10m.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// Cron creates a schedule from a cron expression. An invalid expression
// returns an error wrapping core.ErrInvalidCronSpec.
func Cron(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidCronSpec, expr, err)
	}
	return &cronSchedule{expr: expr, schedule: s}, nil
}

// MustCron is like Cron but panics on an invalid expression.
// Intended for expressions fixed at compile time.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *cronSchedule) String() string {
	return s.expr
}

// Validate reports whether expr parses as a cron expression.
func Validate(expr string) error {
	_, err := Cron(expr)
	return err
}
