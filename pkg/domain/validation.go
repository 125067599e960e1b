package domain

import (
	"regexp"
	"time"
)

// MaxControlNumberLength bounds manufacturer control numbers.
const MaxControlNumberLength = 100

var (
	controlNumberPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	initialsPattern      = regexp.MustCompile(`^[A-Za-z]{1,10}$`)
	agePattern           = regexp.MustCompile(`(?i)^\d+\s+(Years?|Months?|Days?|Hours?)$`)
)

// ValidateCreate checks a creation payload against the CIOMS-I field rules.
// now anchors the "not in the future" check on the received date.
func ValidateCreate(in CreateReportInput, now time.Time) error {
	verr := &ValidationError{}
	validateControlNumber(verr, in.ControlNumber)
	validateReceivedDate(verr, in.ReceivedDate, now)
	if in.Patient != nil {
		validatePatient(verr, "patient_info.", in.Patient.Initials, in.Patient.Age, in.Patient.Sex)
	}
	return verr.OrNil()
}

// ValidatePatch checks only the fields present in a patch.
func ValidatePatch(p ReportPatch, now time.Time) error {
	verr := &ValidationError{}
	if p.ControlNumber != nil {
		validateControlNumber(verr, *p.ControlNumber)
	}
	if p.ReceivedDate != nil {
		validateReceivedDate(verr, *p.ReceivedDate, now)
	}
	if pp := p.Patient; pp != nil {
		if pp.Initials != nil && !initialsPattern.MatchString(*pp.Initials) {
			verr.Add("patient_info.initials", "must be alphabetic (1-10 characters)")
		}
		if pp.Age != nil && *pp.Age != "" && !agePattern.MatchString(*pp.Age) {
			verr.Add("patient_info.age", `must be a number and unit, e.g. "62 Years"`)
		}
		if pp.Sex != nil && !pp.Sex.Valid() {
			verr.Add("patient_info.sex", "must be M, F, or Unknown")
		}
	}
	return verr.OrNil()
}

func validateControlNumber(verr *ValidationError, v string) {
	switch {
	case v == "":
		verr.Add("manufacturer_control_no", "is required")
	case len(v) > MaxControlNumberLength:
		verr.Add("manufacturer_control_no", "must be at most 100 characters")
	case !controlNumberPattern.MatchString(v):
		verr.Add("manufacturer_control_no", "must be alphanumeric")
	}
}

func validateReceivedDate(verr *ValidationError, d Date, now time.Time) {
	if d.IsZero() {
		verr.Add("date_received", "is required")
		return
	}
	if d.After(DateOf(now)) {
		verr.Add("date_received", "cannot be in the future")
	}
}

func validatePatient(verr *ValidationError, prefix, initials, age string, sex Sex) {
	if !initialsPattern.MatchString(initials) {
		verr.Add(prefix+"initials", "must be alphabetic (1-10 characters)")
	}
	if age != "" && !agePattern.MatchString(age) {
		verr.Add(prefix+"age", `must be a number and unit, e.g. "62 Years"`)
	}
	if sex != "" && !sex.Valid() {
		verr.Add(prefix+"sex", "must be M, F, or Unknown")
	}
}
