package matching

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/acadplan/allocation-api/internal/models"
)

// ErrMalformedTimeSlot marks a time value that could not be parsed or
// validated. Callers must surface it; treating it as "no conflict" would mask
// overlap and capacity bugs.
var ErrMalformedTimeSlot = errors.New("malformed time slot")

var dayIndex = map[string]int{
	"MONDAY":    1,
	"TUESDAY":   2,
	"WEDNESDAY": 3,
	"THURSDAY":  4,
	"FRIDAY":    5,
	"SATURDAY":  6,
	"SUNDAY":    7,
}

// ParseTimeSlot validates a raw loader slot and converts it into minutes from
// midnight. Start and End accept "HH:MM" clock values or plain minute
// integers; the day must be a known weekday name.
func ParseTimeSlot(raw models.RawTimeSlot) (models.TimeSlot, error) {
	day := strings.ToUpper(strings.TrimSpace(raw.Day))
	if _, ok := dayIndex[day]; !ok {
		return models.TimeSlot{}, fmt.Errorf("%w: unknown day %q", ErrMalformedTimeSlot, raw.Day)
	}
	start, err := parseClock(raw.Start)
	if err != nil {
		return models.TimeSlot{}, fmt.Errorf("%w: start %q", ErrMalformedTimeSlot, raw.Start)
	}
	end, err := parseClock(raw.End)
	if err != nil {
		return models.TimeSlot{}, fmt.Errorf("%w: end %q", ErrMalformedTimeSlot, raw.End)
	}
	slot := models.TimeSlot{Day: day, StartMinute: start, EndMinute: end}
	if err := validateSlot(slot); err != nil {
		return models.TimeSlot{}, err
	}
	return slot, nil
}

// Overlaps reports whether two validated slots collide. Intervals are half
// open, so touching slots such as [480,600) and [600,720) do not conflict.
// A malformed slot yields an error, never a silent false.
func Overlaps(a, b models.TimeSlot) (bool, error) {
	if err := validateSlot(a); err != nil {
		return false, err
	}
	if err := validateSlot(b); err != nil {
		return false, err
	}
	if a.Day != b.Day {
		return false, nil
	}
	return a.StartMinute < b.EndMinute && b.StartMinute < a.EndMinute, nil
}

func validateSlot(s models.TimeSlot) error {
	if _, ok := dayIndex[s.Day]; !ok {
		return fmt.Errorf("%w: unknown day %q", ErrMalformedTimeSlot, s.Day)
	}
	if s.StartMinute < 0 || s.EndMinute > 24*60 {
		return fmt.Errorf("%w: bounds [%d,%d) outside day", ErrMalformedTimeSlot, s.StartMinute, s.EndMinute)
	}
	if s.StartMinute >= s.EndMinute {
		return fmt.Errorf("%w: empty interval [%d,%d)", ErrMalformedTimeSlot, s.StartMinute, s.EndMinute)
	}
	return nil
}

func parseClock(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty time value")
	}
	if strings.Contains(raw, ":") {
		parts := strings.SplitN(raw, ":", 2)
		hour, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, err
		}
		minute, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, err
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return 0, fmt.Errorf("clock value %q out of range", raw)
		}
		return hour*60 + minute, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return value, nil
}
