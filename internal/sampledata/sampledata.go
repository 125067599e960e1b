// Package sampledata seeds a database with canned CIOMS-I reports.
package sampledata

import (
	"context"
	"fmt"
	"time"

	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

// DefaultCount is the number of reports Generate creates when asked for none.
const DefaultCount = 3

// Creator creates reports. *core.Service satisfies it.
type Creator interface {
	CreateReport(ctx context.Context, in domain.CreateReportInput) (int64, error)
	Now() time.Time
}

// Failure records a sample that could not be created.
type Failure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result lists the created report ids and the failed samples.
type Result struct {
	IDs    []int64   `json:"form_ids"`
	Errors []Failure `json:"errors"`
}

// Generate creates count reports, cycling through the canned samples. Sample i
// (1-based) gets control number "<base>-i" and is received i*10 days ago.
// A failing sample is recorded and generation continues.
func Generate(ctx context.Context, c Creator, count int) Result {
	if count <= 0 {
		count = DefaultCount
	}
	today := domain.DateOf(c.Now())
	res := Result{IDs: make([]int64, 0, count), Errors: []Failure{}}
	for i := 1; i <= count; i++ {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, Failure{Index: i, Error: ctx.Err().Error()})
			break
		}
		received := domain.Date{Time: today.AddDate(0, 0, -10*i)}
		id, err := c.CreateReport(ctx, Sample(i, received))
		if err != nil {
			res.Errors = append(res.Errors, Failure{Index: i, Error: err.Error()})
			continue
		}
		res.IDs = append(res.IDs, id)
	}
	return res
}

// Sample returns the i-th (1-based) canned report received on the given day.
func Sample(i int, received domain.Date) domain.CreateReportInput {
	r := &received
	var in domain.CreateReportInput
	switch (i - 1) % 3 {
	case 0:
		in = domain.CreateReportInput{
			ControlNumber: "40054",
			Patient:       &domain.PatientInfo{Initials: "INT", Country: "GERMANY", Age: "62 Years", Sex: domain.SexMale},
			Reactions: []domain.Reaction{
				{ReactionEN: "PARALYTIC ILEUS", ReactionKO: "마비성 장폐색"},
				{ReactionEN: "HYPOVOLEMIC SHOCK", ReactionKO: "저혈량성 쇼크"},
				{ReactionEN: "ACUTE RENAL FAILURE", ReactionKO: "급성 신부전"},
			},
			Drugs: []domain.Drug{
				{NameEN: "Xeloda [Capecitabine]", NameKO: "젤로다 [카페시타빈]", IndicationEN: "RECTAL CANCER", IndicationKO: "직장암", IsSuspected: true},
				{NameEN: "Eloxatin [Oxaliplatin]", NameKO: "엘록사틴 [옥살리플라틴]", IndicationEN: "RECTAL CANCER", IndicationKO: "직장암", IsSuspected: true},
			},
			LabResults: []domain.LabResult{
				{TestName: "Creatinine", ResultValue: "2.5", Unit: "mg/dL", NormalRange: "0.7-1.3", DatePerformed: r},
				{TestName: "BUN", ResultValue: "45", Unit: "mg/dL", NormalRange: "7-20", DatePerformed: r},
			},
			Causality: assessment("Probable", "Temporal relationship established, no alternative cause", "Dr. Smith", r),
		}
	case 1:
		in = domain.CreateReportInput{
			ControlNumber: "40055",
			Patient:       &domain.PatientInfo{Initials: "KJH", Country: "KOREA", Age: "45 Years", Sex: domain.SexFemale},
			Reactions: []domain.Reaction{
				{ReactionEN: "HEPATOTOXICITY", ReactionKO: "간독성"},
				{ReactionEN: "NAUSEA", ReactionKO: "오심"},
			},
			Drugs: []domain.Drug{
				{NameEN: "Tylenol [Acetaminophen]", NameKO: "타이레놀 [아세트아미노펜]", IndicationEN: "PAIN RELIEF", IndicationKO: "진통", IsSuspected: true},
			},
			LabResults: []domain.LabResult{
				{TestName: "ALT", ResultValue: "250", Unit: "U/L", NormalRange: "0-40", DatePerformed: r},
				{TestName: "AST", ResultValue: "180", Unit: "U/L", NormalRange: "0-40", DatePerformed: r},
			},
			Causality: assessment("Possible", "Known adverse reaction, other causes not ruled out", "Dr. Kim", r),
		}
	default:
		in = domain.CreateReportInput{
			ControlNumber: "40056",
			Patient:       &domain.PatientInfo{Initials: "ABC", Country: "USA", Age: "28 Years", Sex: domain.SexMale},
			Reactions: []domain.Reaction{
				{ReactionEN: "ANAPHYLAXIS", ReactionKO: "아나필락시스"},
				{ReactionEN: "URTICARIA", ReactionKO: "두드러기"},
				{ReactionEN: "DYSPNEA", ReactionKO: "호흡곤란"},
			},
			Drugs: []domain.Drug{
				{NameEN: "Penicillin", NameKO: "페니실린", IndicationEN: "BACTERIAL INFECTION", IndicationKO: "세균 감염", IsSuspected: true},
			},
			Causality: assessment("Certain", "Immediate reaction after administration, positive re-challenge", "Dr. Johnson", r),
		}
	}
	in.ControlNumber = fmt.Sprintf("%s-%d", in.ControlNumber, i)
	in.ReceivedDate = received
	return in
}

func assessment(category, reason, by string, on *domain.Date) *domain.CausalityAssessment {
	return &domain.CausalityAssessment{Assessment: domain.AssessmentData{
		Method:       "WHO-UMC",
		Category:     category,
		Reason:       reason,
		AssessedBy:   by,
		AssessedDate: on,
	}}
}

// ClearAll empties every declared collection of store.
func ClearAll(ctx context.Context, store domain.Store) error {
	for _, name := range schema.Default().Names() {
		if err := store.Clear(ctx, name); err != nil {
			return domain.WrapStorage("clear "+name, err)
		}
	}
	return nil
}
