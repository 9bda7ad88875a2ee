// Package validation checks timesheet entries before they are written.
//
// Field bounds come from the `validate` struct tags on models.TimesheetEntry. Rules that
// depend on other fields live in the conditional rule table below and run as a struct-level
// validation, so every rule is evaluated on every call and all violations are reported together.
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/DavidNemeth/TimeSheet-App/models"
)

// Message keys returned to callers for localization.
const (
	KeyOvertimeOrDirtbonusRequired = "Either_Overtime_or_Dirtbonus_field_is_required_"
	KeyOvertimeNotZero             = "OverTime_field_can_not_be_0_"
	KeyDirtbonusNotZero            = "Dirtbonus_field_can_not_be_0_"
	KeyDescriptionRequired         = "The_Description_field_is_required_"
	KeyMinLength5                  = "The_minimum_length_is_5_character_"
	KeyMaxLength                   = "The_maximum_length_is_exceeded_"
	KeyPayoutOptionRequired        = "The_Overtime_Payout_field_is_required_"
	KeyFromRequired                = "The_From_field_is_required_"
	KeyToRequired                  = "The_To_field_is_required_"
	KeyRejectionReasonRequired     = "Rejection_reason_is_required_"
	KeyRequired                    = "The_field_is_required_"
	KeyDirtbonusOutOfRange         = "Dirtbonus_field_is_out_of_range_"
	KeyInvalidStatus               = "Invalid_status_"
	KeyInvalidStatusTransition     = "Invalid_status_transition_"
	KeyApproverConflict            = "ApprovedBy_and_RejectedBy_are_mutually_exclusive_"
)

// Violation is one failed rule on one field. Field uses the JSON name.
type Violation struct {
	Field string `json:"field"`
	Key   string `json:"key"`
}

// Error carries every violation found for a candidate entry.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Key)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether the given field failed with the given key.
func (e *Error) Has(field, key string) bool {
	for _, v := range e.Violations {
		if v.Field == field && v.Key == key {
			return true
		}
	}
	return false
}

// NewError builds an Error from a single violation.
func NewError(field, key string) *Error {
	return &Error{Violations: []Violation{{Field: field, Key: key}}}
}

// conditionalRule requires Check to hold whenever When holds.
type conditionalRule struct {
	Field string
	Key   string
	When  func(e *models.TimesheetEntry) bool
	Check func(e *models.TimesheetEntry) bool
}

func always(*models.TimesheetEntry) bool { return true }

var conditionalRules = []conditionalRule{
	{Field: "dirtbonus", Key: KeyOvertimeOrDirtbonusRequired,
		When:  func(e *models.TimesheetEntry) bool { return !e.HasOvertime() },
		Check: func(e *models.TimesheetEntry) bool { return e.HasDirtbonus() }},
	{Field: "overtime", Key: KeyOvertimeOrDirtbonusRequired,
		When:  func(e *models.TimesheetEntry) bool { return !e.HasDirtbonus() },
		Check: func(e *models.TimesheetEntry) bool { return e.HasOvertime() }},
	{Field: "overtimeDescription", Key: KeyDescriptionRequired,
		When:  (*models.TimesheetEntry).HasOvertime,
		Check: func(e *models.TimesheetEntry) bool { return strings.TrimSpace(e.OvertimeDescription) != "" }},
	{Field: "payoutOption", Key: KeyPayoutOptionRequired,
		When:  (*models.TimesheetEntry).HasOvertime,
		Check: func(e *models.TimesheetEntry) bool { return strings.TrimSpace(e.PayoutOption) != "" }},
	{Field: "overtimeFrom", Key: KeyFromRequired,
		When:  (*models.TimesheetEntry).HasOvertime,
		Check: func(e *models.TimesheetEntry) bool { return e.OvertimeFrom != nil }},
	{Field: "overtimeTo", Key: KeyToRequired,
		When:  (*models.TimesheetEntry).HasOvertime,
		Check: func(e *models.TimesheetEntry) bool { return e.OvertimeTo != nil }},
	{Field: "dirtbonus", Key: KeyDirtbonusOutOfRange,
		When:  (*models.TimesheetEntry).HasDirtbonus,
		Check: func(e *models.TimesheetEntry) bool { return !math.IsInf(*e.Dirtbonus, 0) && !math.IsNaN(*e.Dirtbonus) }},
	{Field: "dirtbonusDescription", Key: KeyDescriptionRequired,
		When:  (*models.TimesheetEntry).HasDirtbonus,
		Check: func(e *models.TimesheetEntry) bool { return strings.TrimSpace(e.DirtbonusDescription) != "" }},
	{Field: "rejectionReason", Key: KeyRejectionReasonRequired,
		When:  func(e *models.TimesheetEntry) bool { return e.Status == models.StatusRejected },
		Check: func(e *models.TimesheetEntry) bool { return strings.TrimSpace(e.RejectionReason) != "" }},
	{Field: "approvedBy", Key: KeyApproverConflict,
		When:  func(e *models.TimesheetEntry) bool { return e.ApprovedBy != "" },
		Check: func(e *models.TimesheetEntry) bool { return e.RejectedBy == "" }},
	{Field: "date", Key: KeyRequired,
		When:  always,
		Check: func(e *models.TimesheetEntry) bool { return !e.Date.IsZero() }},
}

// tagKeys maps a failed struct tag on a field to its message key. The "*" field is the
// fallback for any field.
var tagKeys = map[string]map[string]string{
	"overtime":  {"min": KeyOvertimeNotZero},
	"dirtbonus": {"min": KeyDirtbonusNotZero},
	"status":    {"status": KeyInvalidStatus},
	"*": {
		"required": KeyRequired,
		"min":      KeyMinLength5,
		"max":      KeyMaxLength,
	},
}

// Validator runs the entry rules. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// New builds a Validator with the entry rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("status", func(fl validator.FieldLevel) bool {
		return models.Status(fl.Field().Int()).Valid()
	})
	v.RegisterStructValidation(entryRules, models.TimesheetEntry{})
	return &Validator{validate: v}
}

func entryRules(sl validator.StructLevel) {
	entry := sl.Current().Interface().(models.TimesheetEntry)
	for _, rule := range conditionalRules {
		if rule.When(&entry) && !rule.Check(&entry) {
			sl.ReportError(nil, rule.Field, rule.Field, rule.Key, "")
		}
	}
}

// Validate returns nil when the entry is valid and a *Error otherwise.
func (v *Validator) Validate(entry *models.TimesheetEntry) error {
	err := v.validate.Struct(entry)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate entry: %w", err)
	}
	out := &Error{Violations: make([]Violation, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Violations = append(out.Violations, Violation{Field: fe.Field(), Key: keyFor(fe)})
	}
	return out
}

func keyFor(fe validator.FieldError) string {
	if keys, ok := tagKeys[fe.Field()]; ok {
		if key, ok := keys[fe.Tag()]; ok {
			return key
		}
	}
	if key, ok := tagKeys["*"][fe.Tag()]; ok {
		return key
	}
	// struct-level rules report their message key as the tag
	return fe.Tag()
}
