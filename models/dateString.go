package models

import (
	"errors"
	"strconv"
	"time"
)

// DateString is a calendar-date request/response type. It accepts plain
// dates and relay-style local timestamps on input and renders plain dates on
// output; the venue timezone turns it into concrete UTC bounds.
type DateString time.Time

func (t DateString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Time(t).Format("2006-01-02"))), nil
}

func (t *DateString) UnmarshalJSON(data []byte) error {
	str, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.New("date must be a string")
	}
	parsed, perr := ParseDateString(str)
	if perr != nil {
		return perr
	}
	*t = parsed
	return nil
}

func ParseDateString(str string) (DateString, error) {
	parsed, err := time.Parse("2006-01-02", str)
	if err != nil {
		// relays include wall-clock time on some firmware versions
		parsed, err = time.Parse("2006-01-02T15:04:05", str)
		if err != nil {
			return DateString{}, errors.New("error parsing date")
		}
	}
	return DateString(parsed), nil
}

func (t DateString) Time() time.Time {
	return time.Time(t)
}

func (t *DateString) StartOfDayUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}

	// Convert the start of the day local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		0, 0, 0, 0,
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = DateString(utcTime)

	return nil
}

func (t *DateString) EndOfDayUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}

	// Convert the end of the day local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		23, 59, 59, 999, // Max nanoseconds
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = DateString(utcTime)

	return nil
}
