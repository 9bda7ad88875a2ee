package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const day = 24 * time.Hour

// TimeOfDay is a wall-clock time without a date, kept as the offset from midnight.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from hours, minutes and seconds, wrapping past midnight.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	d := time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second
	return TimeOfDay(0).Add(d)
}

// ParseTimeOfDay reads "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// Add moves the time forward by d, wrapping around midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	v := (time.Duration(t) + d) % day
	if v < 0 {
		v += day
	}
	return TimeOfDay(v.Truncate(time.Second))
}

// AddHours adds a fractional number of hours, rounded to the second.
func (t TimeOfDay) AddHours(hours float64) TimeOfDay {
	return t.Add(time.Duration(math.Round(hours*3600)) * time.Second)
}

func (t TimeOfDay) Hour() int   { return int(time.Duration(t) / time.Hour) }
func (t TimeOfDay) Minute() int { return int(time.Duration(t)%time.Hour) / int(time.Minute) }
func (t TimeOfDay) Second() int { return int(time.Duration(t)%time.Minute) / int(time.Second) }

// String renders "HH:MM", or "HH:MM:SS" when seconds are set.
func (t TimeOfDay) String() string {
	if t.Second() != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
	}
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value stores the time as "HH:MM:SS".
func (t TimeOfDay) Value() (driver.Value, error) {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second()), nil
}

func (t *TimeOfDay) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseTimeOfDay(v)
		if err != nil {
			return err
		}
		*t = parsed
	case []byte:
		return t.Scan(string(v))
	case time.Time:
		*t = NewTimeOfDay(v.Hour(), v.Minute(), v.Second())
	default:
		return fmt.Errorf("cannot scan %T into TimeOfDay", src)
	}
	return nil
}
