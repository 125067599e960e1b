package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var validationNow = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func validInput() CreateReportInput {
	return CreateReportInput{
		ControlNumber: "40054",
		ReceivedDate:  NewDate(2024, 1, 10),
		Patient:       &PatientInfo{Initials: "INT", Country: "GERMANY", Age: "62 Years", Sex: SexMale},
	}
}

func fieldNames(err error) []string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	names := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		names = append(names, f.Field)
	}
	return names
}

func TestValidateCreateAcceptsWellFormedInput(t *testing.T) {
	if err := ValidateCreate(validInput(), validationNow); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
	in := validInput()
	in.Patient.Age = "6 months"
	in.ReceivedDate = DateOf(validationNow)
	if err := ValidateCreate(in, validationNow); err != nil {
		t.Fatalf("expected lowercase unit and same-day receipt to pass, got %v", err)
	}
}

func TestValidateCreateCollectsEveryField(t *testing.T) {
	in := CreateReportInput{
		ControlNumber: "40054/X",
		ReceivedDate:  NewDate(2024, 3, 2),
		Patient:       &PatientInfo{Initials: "I.N.T", Age: "sixty", Sex: "X"},
	}
	err := ValidateCreate(in, validationNow)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got := strings.Join(fieldNames(err), ",")
	want := "manufacturer_control_no,date_received,patient_info.initials,patient_info.age,patient_info.sex"
	if got != want {
		t.Fatalf("expected fields %s, got %s", want, got)
	}
}

func TestValidateCreateRequiredAndLength(t *testing.T) {
	err := ValidateCreate(CreateReportInput{}, validationNow)
	if got := strings.Join(fieldNames(err), ","); got != "manufacturer_control_no,date_received" {
		t.Fatalf("unexpected required fields %s", got)
	}
	in := validInput()
	in.ControlNumber = strings.Repeat("A", MaxControlNumberLength+1)
	if err := ValidateCreate(in, validationNow); err == nil {
		t.Fatalf("expected length violation")
	}
}

func TestValidatePatchChecksOnlyPresentFields(t *testing.T) {
	if err := ValidatePatch(ReportPatch{}, validationNow); err != nil {
		t.Fatalf("empty patch should pass: %v", err)
	}
	bad := "bad no"
	sex := Sex("male")
	err := ValidatePatch(ReportPatch{ControlNumber: &bad, Patient: &PatientPatch{Sex: &sex}}, validationNow)
	if got := strings.Join(fieldNames(err), ","); got != "manufacturer_control_no,patient_info.sex" {
		t.Fatalf("unexpected patch fields %s", got)
	}
}
