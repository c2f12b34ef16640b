package expiry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule turns a check schedule into a cron.Schedule.
//
// Supported forms:
//   - Cron: "*/30 * * * *", "@hourly", "@every 30m"
//   - Duration: "30m", "1h30m"
//   - HH:MM interval: "00:30" (30 minutes)
//   - Bare seconds: "1800"
//
// "cron:" forces cron parsing, "every:" or "interval:" forces an interval.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	sched, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '00:30', or duration like '30m')", raw)
	}
	return sched, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron %q never fires", expr)
	}
	return sched, nil
}

func parseInterval(v string) (cron.Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var d time.Duration
	switch {
	case reHHMM.MatchString(v):
		m := reHHMM.FindStringSubmatch(v)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	default:
		if n, err := strconv.Atoi(v); err == nil {
			d = time.Duration(n) * time.Second
			break
		}
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return cron.Every(d), nil
}
