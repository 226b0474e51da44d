package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrTriggerPassed is returned for a one-shot trigger whose fire time is
// already in the past.
var ErrTriggerPassed = errors.New("trigger time already passed")

// cronParser accepts standard five-field patterns, an optional leading
// seconds field and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger decides when an event fires. It is either a RelativeOffset or a
// CronExpression.
type Trigger interface {
	// resolve turns the trigger into a schedule; start is the supervisor's
	// own process start time.
	resolve(start time.Time, loc *time.Location) (cron.Schedule, error)
	Kind() string
	String() string
}

// RelativeOffset fires once, Minutes after the supervisor process started.
type RelativeOffset struct {
	Minutes float64
}

func (r RelativeOffset) Kind() string   { return "relativeOffset" }
func (r RelativeOffset) String() string { return fmt.Sprintf("+%gm", r.Minutes) }

func (r RelativeOffset) resolve(start time.Time, _ *time.Location) (cron.Schedule, error) {
	if r.Minutes < 0 {
		return nil, fmt.Errorf("negative offset %g", r.Minutes)
	}
	at := start.Add(time.Duration(r.Minutes * float64(time.Minute)))
	return onceAt(at), nil
}

// CronExpression fires on every match of Pattern in the scheduler's zone.
type CronExpression struct {
	Pattern string
}

func (c CronExpression) Kind() string   { return "cronExpression" }
func (c CronExpression) String() string { return c.Pattern }

func (c CronExpression) resolve(_ time.Time, loc *time.Location) (cron.Schedule, error) {
	p := strings.TrimSpace(c.Pattern)
	if p == "" {
		return nil, errors.New("empty cron pattern")
	}
	if loc != nil && !strings.HasPrefix(p, "TZ=") && !strings.HasPrefix(p, "CRON_TZ=") {
		p = "CRON_TZ=" + loc.String() + " " + p
	}
	s, err := cronParser.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", c.Pattern, err)
	}
	return s, nil
}

// onceAt is a cron.Schedule with a single activation. A zero Next tells
// the cron runner the entry will never run again.
type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	at := time.Time(o)
	if t.Before(at) {
		return at
	}
	return time.Time{}
}
