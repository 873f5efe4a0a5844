package icron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts five-field expressions, an optional leading seconds field,
// and descriptors such as "@every 1m" or "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// Parse validates cronExpr and returns its schedule.
func Parse(cronExpr string) (cron.Schedule, error) {
	expr := strings.TrimSpace(cronExpr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NewCron returns a cron engine that understands the same expressions as Parse.
func NewCron() *cron.Cron {
	return cron.New(cron.WithParser(Parser))
}

func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	nextTime := schedule.Next(refTime)

	var prevTime time.Time
	if every, ok := schedule.(cron.ConstantDelaySchedule); ok {
		// Constant-delay schedules have no fixed anchor; the previous
		// trigger is one period back.
		prevTime = nextTime.Add(-every.Delay)
	} else {
		searchStart := refTime.Add(-time.Minute)
		for i := range 366 * 24 {
			checkTime := searchStart.Add(-time.Duration(i) * time.Hour)
			candidateNext := schedule.Next(checkTime)

			if candidateNext.Before(refTime) ||
				candidateNext.Equal(refTime) {
				prevTime = candidateNext
				break
			}
		}
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       nextTime,
		Last:       prevTime,
	}

	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}

	info.TimeUntilNext = nextTime.Sub(refTime)

	return info, nil
}
