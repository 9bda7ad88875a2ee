package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimesheetEntry is one overtime and/or dirt bonus claim for a single date.
type TimesheetEntry struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	CreatedBy    string     `gorm:"size:255" json:"createdBy"`
	CreatedDate  time.Time  `gorm:"not null" json:"createdDate"`
	ModifiedBy   string     `gorm:"size:255" json:"modifiedBy"`
	ModifiedDate *time.Time `gorm:"index" json:"modifiedDate"`
	Archived     bool       `gorm:"not null;default:false;index" json:"archived"`

	UserID     string `gorm:"not null;size:255;index" json:"userId" validate:"required"`
	Username   string `gorm:"not null;size:255" json:"username" validate:"required,max=255"`
	EmployeeID string `gorm:"size:255" json:"employeeId"`

	Date time.Time `gorm:"not null;index" json:"date"`

	Overtime            *float64   `json:"overtime" validate:"omitempty,min=0.1"`
	OvertimeDescription string     `gorm:"size:500" json:"overtimeDescription" validate:"omitempty,min=5,max=500"`
	OvertimeFrom        *TimeOfDay `gorm:"type:varchar(8)" json:"overtimeFrom"`
	OvertimeTo          *TimeOfDay `gorm:"type:varchar(8)" json:"overtimeTo"`
	PayoutOption        string     `gorm:"size:100" json:"payoutOption" validate:"max=100"`

	Dirtbonus            *float64 `json:"dirtbonus" validate:"omitempty,min=1"`
	DirtbonusDescription string   `gorm:"size:500" json:"dirtbonusDescription" validate:"omitempty,min=5,max=500"`

	Machine         string `gorm:"not null;size:255" json:"machine" validate:"required,max=255"`
	Status          Status `gorm:"not null;default:0" json:"status" validate:"status"`
	RejectionReason string `gorm:"size:500" json:"rejectionReason" validate:"omitempty,min=5,max=500"`
	ApprovedBy      string `gorm:"size:255" json:"approvedBy"`
	RejectedBy      string `gorm:"size:255" json:"rejectedBy"`
}

// ImmutableColumns are preserved from the stored row on every update.
var ImmutableColumns = []string{"employee_id", "created_by", "created_date"}

// HasOvertime reports whether an overtime amount was claimed. Zero counts as absent.
func (e *TimesheetEntry) HasOvertime() bool {
	return e.Overtime != nil && *e.Overtime != 0
}

// HasDirtbonus reports whether a dirt bonus was claimed. Zero counts as absent.
func (e *TimesheetEntry) HasDirtbonus() bool {
	return e.Dirtbonus != nil && *e.Dirtbonus != 0
}

// IsNew reports whether the entry has not been persisted yet.
func (e *TimesheetEntry) IsNew() bool {
	return e.ID == 0
}

// ApprovedOrRejectedBy returns whoever decided on the entry.
func (e *TimesheetEntry) ApprovedOrRejectedBy() string {
	if e.ApprovedBy != "" {
		return e.ApprovedBy
	}
	return e.RejectedBy
}

// ApplyDefaults fills the derived fields: the date is moved to UTC, the overtime window
// starts at midnight and ends after the claimed hours, and an empty machine gets the site
// default.
func (e *TimesheetEntry) ApplyDefaults(defaultMachine string) {
	if !e.Date.IsZero() {
		e.Date = e.Date.UTC()
	}
	if e.Overtime != nil {
		if e.OvertimeFrom == nil {
			from := TimeOfDay(0)
			e.OvertimeFrom = &from
		}
		if e.OvertimeTo == nil {
			to := e.OvertimeFrom.AddHours(*e.Overtime)
			e.OvertimeTo = &to
		}
	}
	if e.Machine == "" {
		e.Machine = defaultMachine
	}
}

// UnmarshalJSON accepts the entry date either as a plain calendar date or a full timestamp.
func (e *TimesheetEntry) UnmarshalJSON(data []byte) error {
	type alias TimesheetEntry
	aux := struct {
		*alias
		Date string `json:"date"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	date, err := ParseDate(aux.Date)
	if err != nil {
		return err
	}
	e.Date = date
	return nil
}

// dateLayouts are tried in order. Timestamps without a zone are read as UTC.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseDate reads "2006-01-02", an RFC 3339 timestamp or a zone-less timestamp and returns
// it in UTC. An empty string yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// StartOfDay returns midnight UTC of t's UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last representable instant of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
