// Package scheduler maintains the durable set of scheduled tasks and
// evaluates them against an in-process cron evaluator, §4.6.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ParsedSchedule is the result of parsing a natural-language or raw
// cron schedule string, §4.6 "Natural-language schedule parsing".
type ParsedSchedule struct {
	CronExpr string // 5-field cron, set when OneShot is false
	OneShot  bool
	RunAt    time.Time // set when OneShot is true
}

// ParseError is a typed error for unparseable schedule text.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("scheduler: could not parse schedule %q", e.Input)
}

var (
	reEveryNMinutes  = regexp.MustCompile(`(?i)^every\s+(\d+)\s+minutes?$`)
	reEveryHour      = regexp.MustCompile(`(?i)^every\s+hour$`)
	reEveryMorning   = regexp.MustCompile(`(?i)^every\s+morning\s+at\s+(\d{1,2})\s*am$`)
	reEveryEvening   = regexp.MustCompile(`(?i)^every\s+evening\s+at\s+(\d{1,2})\s*pm$`)
	reEveryDayAt     = regexp.MustCompile(`(?i)^every\s+day\s+at\s+(\d{1,2}):(\d{2})$`)
	reDailyMidnight  = regexp.MustCompile(`(?i)^daily\s+at\s+midnight$`)
	reDailyNoon      = regexp.MustCompile(`(?i)^daily\s+at\s+noon$`)
	reEveryWeekdayAt = regexp.MustCompile(`(?i)^every\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+at\s+(\d{1,2})\s*(am|pm)?$`)
	reInDelta        = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(seconds?|minutes?|hours?|days?)$`)
	reAtTime         = regexp.MustCompile(`(?i)^at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var weekdayNum = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// Parse interprets input against the spec.md §4.6 grammar table. Raw
// 5-field cron passes through unchanged (validated via gronx.IsValid).
func Parse(input string, now time.Time) (ParsedSchedule, error) {
	text := strings.TrimSpace(input)

	if m := reEveryNMinutes.FindStringSubmatch(text); m != nil {
		return ParsedSchedule{CronExpr: fmt.Sprintf("*/%s * * * *", m[1])}, nil
	}
	if reEveryHour.MatchString(text) {
		return ParsedSchedule{CronExpr: "0 * * * *"}, nil
	}
	if m := reEveryMorning.FindStringSubmatch(text); m != nil {
		return ParsedSchedule{CronExpr: fmt.Sprintf("0 %s * * *", m[1])}, nil
	}
	if m := reEveryEvening.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		return ParsedSchedule{CronExpr: fmt.Sprintf("0 %d * * *", h+12)}, nil
	}
	if m := reEveryDayAt.FindStringSubmatch(text); m != nil {
		return ParsedSchedule{CronExpr: fmt.Sprintf("%s %s * * *", m[2], m[1])}, nil
	}
	if reDailyMidnight.MatchString(text) {
		return ParsedSchedule{CronExpr: "0 0 * * *"}, nil
	}
	if reDailyNoon.MatchString(text) {
		return ParsedSchedule{CronExpr: "0 12 * * *"}, nil
	}
	if m := reEveryWeekdayAt.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[2])
		if strings.EqualFold(m[3], "pm") && h != 12 {
			h += 12
		}
		return ParsedSchedule{CronExpr: fmt.Sprintf("0 %d * * %d", h, weekdayNum[strings.ToLower(m[1])])}, nil
	}
	if m := reInDelta.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch {
		case strings.HasPrefix(strings.ToLower(m[2]), "second"):
			d = time.Duration(n) * time.Second
		case strings.HasPrefix(strings.ToLower(m[2]), "minute"):
			d = time.Duration(n) * time.Minute
		case strings.HasPrefix(strings.ToLower(m[2]), "hour"):
			d = time.Duration(n) * time.Hour
		case strings.HasPrefix(strings.ToLower(m[2]), "day"):
			d = time.Duration(n) * 24 * time.Hour
		}
		return ParsedSchedule{OneShot: true, RunAt: now.Add(d)}, nil
	}
	if m := reAtTime.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.EqualFold(m[3], "pm") && h != 12 {
			h += 12
		}
		if strings.EqualFold(m[3], "am") && h == 12 {
			h = 0
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), h, minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return ParsedSchedule{OneShot: true, RunAt: candidate}, nil
	}

	if gronx.IsValid(text) {
		return ParsedSchedule{CronExpr: text}, nil
	}

	return ParsedSchedule{}, &ParseError{Input: input}
}
