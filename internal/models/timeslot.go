package models

// RawTimeSlot carries meeting-time values exactly as the loader produced them.
// Day is a weekday name, Start and End are either "HH:MM" clock strings or
// minutes-from-midnight integers. Parsing and validation happen in the
// matching package; a value that fails to parse is reported, never ignored.
type RawTimeSlot struct {
	Day   string `db:"day_of_week" json:"day_of_week"`
	Start string `db:"start_time" json:"start_time"`
	End   string `db:"end_time" json:"end_time"`
}

// TimeSlot is a validated meeting window in minutes from midnight.
// The interval is half open: [StartMinute, EndMinute).
type TimeSlot struct {
	Day         string `json:"day"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
}
