package domain

// ReportAggregate is a report root merged with every child that references it.
type ReportAggregate struct {
	Report
	Patient    *PatientInfo         `json:"patient_info"`
	Reactions  []Reaction           `json:"adverse_reactions"`
	Drugs      []Drug               `json:"suspected_drugs"`
	LabResults []LabResult          `json:"lab_results"`
	Causality  *CausalityAssessment `json:"causality_assessment"`
}

// CreateReportInput is the nested payload a caller supplies to create a report.
// Ids, foreign keys, sequence numbers and timestamps in the child rows are ignored
// and assigned by the repository.
type CreateReportInput struct {
	ControlNumber string               `json:"manufacturer_control_no"`
	ReceivedDate  Date                 `json:"date_received"`
	Patient       *PatientInfo         `json:"patient_info,omitempty"`
	Reactions     []Reaction           `json:"adverse_reactions,omitempty"`
	Drugs         []Drug               `json:"suspected_drugs,omitempty"`
	LabResults    []LabResult          `json:"lab_results,omitempty"`
	Causality     *CausalityAssessment `json:"causality_assessment,omitempty"`
}

// PatientPatch carries the patient fields to overwrite; nil fields are kept.
type PatientPatch struct {
	Initials *string `json:"initials,omitempty"`
	Country  *string `json:"country,omitempty"`
	Age      *string `json:"age,omitempty"`
	Sex      *Sex    `json:"sex,omitempty"`
}

// Apply merges the patch into p.
func (pp PatientPatch) Apply(p *PatientInfo) {
	if pp.Initials != nil {
		p.Initials = *pp.Initials
	}
	if pp.Country != nil {
		p.Country = *pp.Country
	}
	if pp.Age != nil {
		p.Age = *pp.Age
	}
	if pp.Sex != nil {
		p.Sex = *pp.Sex
	}
}

// ReportPatch updates root fields and, optionally, upserts the patient.
// Child reactions, drugs and lab results cannot be edited through a patch.
type ReportPatch struct {
	ControlNumber *string       `json:"manufacturer_control_no,omitempty"`
	ReceivedDate  *Date         `json:"date_received,omitempty"`
	Patient       *PatientPatch `json:"patient_info,omitempty"`
}

// SortDirection orders a report listing.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ListOptions drives ListReports. Zero values select the defaults.
type ListOptions struct {
	Limit         int
	Offset        int
	SortField     string
	SortDirection SortDirection
}

// Page is one slice of a report listing.
type Page struct {
	Reports []Report `json:"forms"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"has_more"`
}

// SearchCriteria combines root and child predicates; empty fields are ignored.
type SearchCriteria struct {
	ControlNumber   string `json:"control_no,omitempty"`
	PatientInitials string `json:"patient_initials,omitempty"`
	Country         string `json:"country,omitempty"`
	DateFrom        *Date  `json:"date_from,omitempty"`
	DateTo          *Date  `json:"date_to,omitempty"`
	Reaction        string `json:"reaction,omitempty"`
	Drug            string `json:"drug,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}
