// Package session defines the fixed-offset reporting clock used for the
// daily loss breaker and the hourly status digest.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Indochina is the default reporting zone (UTC+7).
var Indochina = time.FixedZone("UTC+07:00", 7*3600)

// Zone parses a fixed UTC offset such as "+07:00", "-0530", "+7" or "UTC".
func Zone(offset string) (*time.Location, error) {
	s := strings.TrimSpace(offset)
	if s == "" || strings.EqualFold(s, "UTC") || s == "Z" {
		return time.UTC, nil
	}

	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	default:
		return nil, fmt.Errorf("session: offset %q must start with + or -", offset)
	}

	var hours, minutes int
	var err error
	switch {
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		if hours, err = strconv.Atoi(parts[0]); err == nil {
			minutes, err = strconv.Atoi(parts[1])
		}
	case len(s) == 4:
		if hours, err = strconv.Atoi(s[:2]); err == nil {
			minutes, err = strconv.Atoi(s[2:])
		}
	default:
		hours, err = strconv.Atoi(s)
	}
	if err != nil || hours > 14 || minutes >= 60 || hours < 0 || minutes < 0 {
		return nil, fmt.Errorf("session: invalid offset %q", offset)
	}

	secs := sign * (hours*3600 + minutes*60)
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", signChar(sign), hours, minutes), secs), nil
}

func signChar(sign int) string {
	if sign < 0 {
		return "-"
	}
	return "+"
}

// DayKey returns the calendar date of t in loc ("2006-01-02").
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// HourKey returns the calendar hour of t in loc ("2006-01-02T15").
func HourKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02T15")
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
