package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Collection names. They match the browser database layout so exports stay interchangeable.
const (
	CollectionReports    = "forms"
	CollectionPatients   = "patient_info"
	CollectionReactions  = "adverse_reactions"
	CollectionDrugs      = "suspected_drugs"
	CollectionLabResults = "lab_results"
	CollectionCausality  = "causality_assessment"
	CollectionAuditLogs  = "audit_logs"
)

// FieldReportID is the foreign key every child collection carries.
const FieldReportID = "form_id"

// DateLayout is the wire format of Date.
const DateLayout = "2006-01-02"

// Date is a calendar date without a time of day. It is stored at UTC midnight.
type Date struct {
	time.Time
}

// NewDate constructs a Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate accepts YYYY-MM-DD or an RFC3339 timestamp.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return Date{Time: t}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals; it panics on malformed input.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// Before reports whether d is an earlier day than other.
func (d Date) Before(other Date) bool { return d.Time.Before(other.Time) }

// After reports whether d is a later day than other.
func (d Date) After(other Date) bool { return d.Time.After(other.Time) }

// MarshalJSON encodes the date as YYYY-MM-DD, or null when unset.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts null, an empty string, a date or a timestamp.
func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Sex enumerates the patient sex values accepted on a CIOMS-I form.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexUnknown Sex = "Unknown"
)

// Valid reports whether s is one of the declared values.
func (s Sex) Valid() bool {
	switch s {
	case SexMale, SexFemale, SexUnknown:
		return true
	default:
		return false
	}
}

// Record is implemented by every persisted row type so the store can assign ids.
type Record interface {
	RowID() int64
	SetRowID(int64)
}

// Report is the aggregate root of a CIOMS-I form.
type Report struct {
	ID            int64     `json:"id,omitempty"`
	ControlNumber string    `json:"manufacturer_control_no"`
	ReceivedDate  Date      `json:"date_received"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PatientInfo holds the patient demographics, one per report.
type PatientInfo struct {
	ID       int64  `json:"id,omitempty"`
	ReportID int64  `json:"form_id"`
	Initials string `json:"initials"`
	Country  string `json:"country"`
	Age      string `json:"age"`
	Sex      Sex    `json:"sex"`
}

// Reaction is one adverse reaction, labelled in English and Korean.
type Reaction struct {
	ID         int64     `json:"id,omitempty"`
	ReportID   int64     `json:"form_id"`
	ReactionEN string    `json:"reaction_en"`
	ReactionKO string    `json:"reaction_ko"`
	SequenceNo int       `json:"sequence_no"`
	CreatedAt  time.Time `json:"created_at"`
}

// Drug is a suspected (IsSuspected) or concomitant medication.
type Drug struct {
	ID           int64     `json:"id,omitempty"`
	ReportID     int64     `json:"form_id"`
	NameEN       string    `json:"drug_name_en"`
	NameKO       string    `json:"drug_name_ko"`
	IndicationEN string    `json:"indication_en"`
	IndicationKO string    `json:"indication_ko"`
	IsSuspected  bool      `json:"is_suspected"`
	SequenceNo   int       `json:"sequence_no"`
	CreatedAt    time.Time `json:"created_at"`
}

// LabResult is one laboratory measurement attached to a report.
type LabResult struct {
	ID            int64     `json:"id,omitempty"`
	ReportID      int64     `json:"form_id"`
	TestName      string    `json:"test_name"`
	ResultValue   string    `json:"result_value"`
	Unit          string    `json:"unit"`
	NormalRange   string    `json:"normal_range"`
	DatePerformed *Date     `json:"date_performed,omitempty"`
	SequenceNo    int       `json:"sequence_no"`
	CreatedAt     time.Time `json:"created_at"`
}

// AssessmentData is the body of a causality assessment.
type AssessmentData struct {
	Method       string `json:"method"`
	Category     string `json:"category"`
	Reason       string `json:"reason"`
	AssessedBy   string `json:"assessed_by"`
	AssessedDate *Date  `json:"assessed_date,omitempty"`
}

// CausalityAssessment is the at-most-one causality verdict of a report.
type CausalityAssessment struct {
	ID         int64          `json:"id,omitempty"`
	ReportID   int64          `json:"form_id"`
	Assessment AssessmentData `json:"assessment_data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (r *Report) RowID() int64 { return r.ID }
func (r *Report) SetRowID(id int64) { r.ID = id }
func (p *PatientInfo) RowID() int64 { return p.ID }
func (p *PatientInfo) SetRowID(id int64) { p.ID = id }
func (r *Reaction) RowID() int64 { return r.ID }
func (r *Reaction) SetRowID(id int64) { r.ID = id }
func (d *Drug) RowID() int64 { return d.ID }
func (d *Drug) SetRowID(id int64) { d.ID = id }
func (l *LabResult) RowID() int64 { return l.ID }
func (l *LabResult) SetRowID(id int64) { l.ID = id }
func (c *CausalityAssessment) RowID() int64 { return c.ID }
func (c *CausalityAssessment) SetRowID(id int64) { c.ID = id }
