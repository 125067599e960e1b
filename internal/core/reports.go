package core

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ciomsdb/pkg/domain"
)

// reportSnapshot is the audit view of a report: root fields plus the patient.
type reportSnapshot struct {
	domain.Report
	Patient *domain.PatientInfo `json:"patient_info"`
}

// CreateReport persists a report with all of its children and returns the new id.
// A control number already in use fails with *domain.DuplicateControlNumberError
// and nothing is written. If a later step fails, the rows already written are
// removed again before the error is returned.
func (s *Service) CreateReport(ctx context.Context, in domain.CreateReportInput) (int64, error) {
	var id int64
	err := s.run(ctx, operationCreateReport, func(ctx context.Context) error {
		var err error
		id, err = s.createReport(ctx, in)
		return err
	})
	return id, err
}

func (s *Service) createReport(ctx context.Context, in domain.CreateReportInput) (int64, error) {
	if in.ControlNumber != "" {
		existing, err := s.findByControlNumber(ctx, in.ControlNumber)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			return 0, &domain.DuplicateControlNumberError{ControlNumber: in.ControlNumber, ExistingID: existing.ID}
		}
	}

	now := s.clock.Now().UTC()
	root := domain.Report{
		ControlNumber: in.ControlNumber,
		ReceivedDate:  in.ReceivedDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	undo := newUndoLog(s.store)
	id, err := insertRow(ctx, s.store, undo, domain.CollectionReports, root)
	if err != nil {
		if errors.Is(err, domain.ErrConstraintViolation) && in.ControlNumber != "" {
			return 0, s.lostControlNumberRace(ctx, in.ControlNumber, err)
		}
		return 0, err
	}
	root.ID = id

	if err := s.insertChildren(ctx, undo, id, in, now); err != nil {
		s.compensate(ctx, operationCreateReport, id, undo, err)
		return 0, err
	}

	s.auditor.Record(ctx, domain.CollectionReports, id, domain.ActionInsert, nil, root)
	s.logger.Info("report created",
		zap.Int64("form_id", id),
		zap.String("manufacturer_control_no", in.ControlNumber),
		zap.Int("reactions", len(in.Reactions)),
		zap.Int("drugs", len(in.Drugs)),
		zap.Int("lab_results", len(in.LabResults)),
	)
	return id, nil
}

// insertChildren writes every child row with its foreign key and sequence number:
// reactions, drugs and lab results first, then the patient and the causality
// assessment. Drug sequences run separately for suspected and concomitant drugs.
func (s *Service) insertChildren(ctx context.Context, undo *undoLog, reportID int64, in domain.CreateReportInput, now time.Time) error {
	for i, r := range in.Reactions {
		r.ID, r.ReportID, r.SequenceNo, r.CreatedAt = 0, reportID, i+1, now
		if _, err := insertRow(ctx, s.store, undo, domain.CollectionReactions, r); err != nil {
			return err
		}
	}
	drugSeq := map[bool]int{}
	for _, d := range in.Drugs {
		drugSeq[d.IsSuspected]++
		d.ID, d.ReportID, d.SequenceNo, d.CreatedAt = 0, reportID, drugSeq[d.IsSuspected], now
		if _, err := insertRow(ctx, s.store, undo, domain.CollectionDrugs, d); err != nil {
			return err
		}
	}
	for i, l := range in.LabResults {
		l.ID, l.ReportID, l.SequenceNo, l.CreatedAt = 0, reportID, i+1, now
		if _, err := insertRow(ctx, s.store, undo, domain.CollectionLabResults, l); err != nil {
			return err
		}
	}
	if in.Patient != nil {
		p := *in.Patient
		p.ID, p.ReportID = 0, reportID
		if _, err := insertRow(ctx, s.store, undo, domain.CollectionPatients, p); err != nil {
			return err
		}
	}
	if in.Causality != nil {
		c := *in.Causality
		c.ID, c.ReportID, c.CreatedAt, c.UpdatedAt = 0, reportID, now, now
		if _, err := insertRow(ctx, s.store, undo, domain.CollectionCausality, c); err != nil {
			return err
		}
	}
	return nil
}

// lostControlNumberRace turns a unique-index rejection of the root into a duplicate
// error naming the report that won.
func (s *Service) lostControlNumberRace(ctx context.Context, controlNumber string, cause error) error {
	winner, err := s.findByControlNumber(ctx, controlNumber)
	if err != nil || winner == nil {
		return cause
	}
	return &domain.DuplicateControlNumberError{ControlNumber: controlNumber, ExistingID: winner.ID}
}

// GetReport loads the aggregate. A missing report yields (nil, nil).
func (s *Service) GetReport(ctx context.Context, id int64) (*domain.ReportAggregate, error) {
	var agg *domain.ReportAggregate
	err := s.run(ctx, operationGetReport, func(ctx context.Context) error {
		var err error
		agg, err = s.loadAggregate(ctx, id)
		return err
	})
	return agg, err
}

func (s *Service) loadAggregate(ctx context.Context, id int64) (*domain.ReportAggregate, error) {
	root, ok, err := s.loadRoot(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	agg := &domain.ReportAggregate{Report: root}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		patients, err := loadChildren[domain.PatientInfo](gctx, s.store, domain.CollectionPatients, id)
		if err == nil && len(patients) > 0 {
			agg.Patient = &patients[0]
		}
		return err
	})
	g.Go(func() error {
		reactions, err := loadChildren[domain.Reaction](gctx, s.store, domain.CollectionReactions, id)
		slices.SortStableFunc(reactions, func(a, b domain.Reaction) int { return a.SequenceNo - b.SequenceNo })
		agg.Reactions = reactions
		return err
	})
	g.Go(func() error {
		drugs, err := loadChildren[domain.Drug](gctx, s.store, domain.CollectionDrugs, id)
		slices.SortStableFunc(drugs, compareDrugs)
		agg.Drugs = drugs
		return err
	})
	g.Go(func() error {
		labs, err := loadChildren[domain.LabResult](gctx, s.store, domain.CollectionLabResults, id)
		slices.SortStableFunc(labs, func(a, b domain.LabResult) int { return a.SequenceNo - b.SequenceNo })
		agg.LabResults = labs
		return err
	})
	g.Go(func() error {
		causality, err := loadChildren[domain.CausalityAssessment](gctx, s.store, domain.CollectionCausality, id)
		if err == nil && len(causality) > 0 {
			agg.Causality = &causality[0]
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return agg, nil
}

// compareDrugs orders suspected drugs before concomitant ones, each by sequence.
func compareDrugs(a, b domain.Drug) int {
	if a.IsSuspected != b.IsSuspected {
		if a.IsSuspected {
			return -1
		}
		return 1
	}
	return a.SequenceNo - b.SequenceNo
}

// GetByControlNumber returns the report root carrying controlNumber, or (nil, nil).
func (s *Service) GetByControlNumber(ctx context.Context, controlNumber string) (*domain.Report, error) {
	var report *domain.Report
	err := s.run(ctx, operationGetByControl, func(ctx context.Context) error {
		var err error
		report, err = s.findByControlNumber(ctx, controlNumber)
		return err
	})
	return report, err
}

func (s *Service) findByControlNumber(ctx context.Context, controlNumber string) (*domain.Report, error) {
	docs, err := s.store.GetAllByIndex(ctx, domain.CollectionReports, indexByControlNumber, controlNumber)
	if err != nil {
		return nil, domain.WrapStorage("lookup control number", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	report, err := domain.DecodeRecord[domain.Report](docs[0])
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// UpdateReport merges patch into the root and upserts the patient when the patch
// carries one. Creating a patient this way requires initials. Child reactions,
// drugs and lab results are not touched.
func (s *Service) UpdateReport(ctx context.Context, id int64, patch domain.ReportPatch) error {
	return s.run(ctx, operationUpdateReport, func(ctx context.Context) error {
		return s.updateReport(ctx, id, patch)
	})
}

func (s *Service) updateReport(ctx context.Context, id int64, patch domain.ReportPatch) error {
	rootDoc, ok, err := s.store.Get(ctx, domain.CollectionReports, id)
	if err != nil {
		return domain.WrapStorage("load report", err)
	}
	if !ok {
		return &domain.NotFoundError{Collection: domain.CollectionReports, ID: id}
	}
	oldRoot, err := domain.DecodeRecord[domain.Report](rootDoc)
	if err != nil {
		return err
	}
	patientDocs, err := s.store.GetAllByIndex(ctx, domain.CollectionPatients, indexByReport, id)
	if err != nil {
		return domain.WrapStorage("load patient", err)
	}
	var oldPatient *domain.PatientInfo
	if len(patientDocs) > 0 {
		p, err := domain.DecodeRecord[domain.PatientInfo](patientDocs[0])
		if err != nil {
			return err
		}
		oldPatient = &p
	}
	if patch.Patient != nil && oldPatient == nil && (patch.Patient.Initials == nil || *patch.Patient.Initials == "") {
		return domain.NewValidationError("patient_info.initials", "required when the report has no patient")
	}

	newRoot := oldRoot
	if patch.ControlNumber != nil && *patch.ControlNumber != oldRoot.ControlNumber {
		existing, err := s.findByControlNumber(ctx, *patch.ControlNumber)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != id {
			return &domain.DuplicateControlNumberError{ControlNumber: *patch.ControlNumber, ExistingID: existing.ID}
		}
		newRoot.ControlNumber = *patch.ControlNumber
	}
	if patch.ReceivedDate != nil {
		newRoot.ReceivedDate = *patch.ReceivedDate
	}
	now := s.clock.Now().UTC()
	newRoot.UpdatedAt = now

	undo := newUndoLog(s.store)
	body, err := domain.EncodeRecord(newRoot)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, domain.CollectionReports, domain.Document{ID: id, Body: body}); err != nil {
		if errors.Is(err, domain.ErrConstraintViolation) && patch.ControlNumber != nil {
			return s.lostControlNumberRace(ctx, *patch.ControlNumber, err)
		}
		return domain.WrapStorage("update report", err)
	}
	undo.overwritten(domain.CollectionReports, rootDoc)

	newPatient := oldPatient
	if patch.Patient != nil {
		p := domain.PatientInfo{ReportID: id}
		if oldPatient != nil {
			p = *oldPatient
		}
		patch.Patient.Apply(&p)
		if err := s.writePatient(ctx, undo, &p, patientDocs); err != nil {
			s.compensate(ctx, operationUpdateReport, id, undo, err)
			return err
		}
		newPatient = &p
	}

	s.auditor.Record(ctx, domain.CollectionReports, id, domain.ActionUpdate,
		reportSnapshot{Report: oldRoot, Patient: oldPatient},
		reportSnapshot{Report: newRoot, Patient: newPatient},
	)
	s.logger.Info("report updated", zap.Int64("form_id", id), zap.Bool("patient_updated", patch.Patient != nil))
	return nil
}

// writePatient overwrites the existing patient row or inserts a new one, stamping p.ID.
func (s *Service) writePatient(ctx context.Context, undo *undoLog, p *domain.PatientInfo, existing []domain.Document) error {
	if len(existing) == 0 {
		id, err := insertRow(ctx, s.store, undo, domain.CollectionPatients, *p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	}
	body, err := domain.EncodeRecord(*p)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, domain.CollectionPatients, domain.Document{ID: p.ID, Body: body}); err != nil {
		return domain.WrapStorage("update patient", err)
	}
	undo.overwritten(domain.CollectionPatients, existing[0])
	return nil
}

// DeleteReport removes the report and every child row that references it.
// Children go first so no orphan is ever left behind.
func (s *Service) DeleteReport(ctx context.Context, id int64) error {
	return s.run(ctx, operationDeleteReport, func(ctx context.Context) error {
		return s.deleteReport(ctx, id)
	})
}

func (s *Service) deleteReport(ctx context.Context, id int64) error {
	rootDoc, ok, err := s.store.Get(ctx, domain.CollectionReports, id)
	if err != nil {
		return domain.WrapStorage("load report", err)
	}
	if !ok {
		return &domain.NotFoundError{Collection: domain.CollectionReports, ID: id}
	}
	root, err := domain.DecodeRecord[domain.Report](rootDoc)
	if err != nil {
		return err
	}

	undo := newUndoLog(s.store)
	removed := 0
	for _, collection := range childCollections {
		docs, err := s.store.GetAllByIndex(ctx, collection, indexByReport, id)
		if err != nil {
			err = domain.WrapStorage("cascade "+collection, err)
			s.compensate(ctx, operationDeleteReport, id, undo, err)
			return err
		}
		for _, doc := range docs {
			if _, err := s.store.Delete(ctx, collection, doc.ID); err != nil {
				err = domain.WrapStorage("cascade "+collection, err)
				s.compensate(ctx, operationDeleteReport, id, undo, err)
				return err
			}
			undo.removed(collection, doc)
			removed++
		}
	}
	if _, err := s.store.Delete(ctx, domain.CollectionReports, id); err != nil {
		err = domain.WrapStorage("delete report", err)
		s.compensate(ctx, operationDeleteReport, id, undo, err)
		return err
	}

	s.auditor.Record(ctx, domain.CollectionReports, id, domain.ActionDelete, root, nil)
	s.logger.Info("report deleted", zap.Int64("form_id", id), zap.Int("children", removed))
	return nil
}

// CountReports returns the number of report roots.
func (s *Service) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, operationCountReports, func(ctx context.Context) error {
		var err error
		n, err = s.store.Count(ctx, domain.CollectionReports)
		return domain.WrapStorage("count reports", err)
	})
	return n, err
}

// Stats returns the row count of every declared collection.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.run(ctx, operationStats, func(ctx context.Context) error {
		for _, name := range s.registry.Names() {
			n, err := s.store.Count(ctx, name)
			if err != nil {
				return domain.WrapStorage("count "+name, err)
			}
			out[name] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) loadRoot(ctx context.Context, id int64) (domain.Report, bool, error) {
	doc, ok, err := s.store.Get(ctx, domain.CollectionReports, id)
	if err != nil {
		return domain.Report{}, false, domain.WrapStorage("load report", err)
	}
	if !ok {
		return domain.Report{}, false, nil
	}
	report, err := domain.DecodeRecord[domain.Report](doc)
	if err != nil {
		return domain.Report{}, false, err
	}
	return report, true, nil
}

func insertRow[T any, PT domain.PointerRecord[T]](ctx context.Context, store domain.Store, undo *undoLog, collection string, v T) (int64, error) {
	body, err := domain.EncodeRecord[T, PT](v)
	if err != nil {
		return 0, err
	}
	id, err := store.Insert(ctx, collection, body)
	if err != nil {
		return 0, domain.WrapStorage("insert "+collection, err)
	}
	undo.inserted(collection, id)
	return id, nil
}

func loadChildren[T any, PT domain.PointerRecord[T]](ctx context.Context, store domain.Store, collection string, reportID int64) ([]T, error) {
	docs, err := store.GetAllByIndex(ctx, collection, indexByReport, reportID)
	if err != nil {
		return nil, domain.WrapStorage("load "+collection, err)
	}
	return domain.DecodeRecords[T, PT](docs)
}
