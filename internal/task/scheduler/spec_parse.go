package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a trigger spec reduced to either a cron expression or a
// fixed interval.
//
// Accepted input:
//   - cron: "*/5 * * * *", "@daily", "@every 5m"
//   - interval: "55m", "2h30m", "1d", or "HH:MM" ("00:05" is five minutes)
//
// "cron:" forces cron; "interval:" and "every:" force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "cron":
			expr := strings.TrimSpace(rest)
			if expr == "" {
				return ParsedSpec{}, fmt.Errorf("cron schedule required after %q", prefix+":")
			}
			return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
		case "interval", "every":
			return intervalSpec(rest)
		}
	}

	if strings.HasPrefix(s, "@") || len(strings.Fields(s)) > 1 {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (want a cron expression, HH:MM or a duration like 55m)", raw)
	}
	return ps, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	var (
		d   time.Duration
		src string
		err error
	)
	switch {
	case v == "":
		return ParsedSpec{}, fmt.Errorf("interval required")
	case strings.Contains(v, ":"):
		d, err = hhmmInterval(v)
		src = "hhmm"
	case strings.HasSuffix(v, "d"):
		var n int
		n, err = strconv.Atoi(strings.TrimSuffix(v, "d"))
		d = time.Duration(n) * 24 * time.Hour
		src = "duration"
	default:
		d, err = time.ParseDuration(v)
		src = "duration"
	}
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// hhmmInterval reads "H:MM" as a duration; hours are unbounded, minutes
// stay below 60.
func hhmmInterval(v string) (time.Duration, error) {
	hs, ms, _ := strings.Cut(v, ":")
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || len(ms) != 2 {
		return 0, fmt.Errorf("want H:MM")
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minutes out of range")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
