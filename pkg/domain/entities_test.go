package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseDateAcceptsDateAndTimestamp(t *testing.T) {
	d, err := ParseDate("2024-01-10")
	if err != nil || d.String() != "2024-01-10" {
		t.Fatalf("parse date: %v %s", err, d)
	}
	ts, err := ParseDate("2024-01-10T23:30:00.000Z")
	if err != nil || ts.String() != "2024-01-10" {
		t.Fatalf("parse timestamp: %v %s", err, ts)
	}
	if _, err := ParseDate("10/01/2024"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

func TestDateJSON(t *testing.T) {
	var r Report
	if err := json.Unmarshal([]byte(`{"manufacturer_control_no":"1","date_received":"2024-01-10T00:00:00Z"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !r.ReceivedDate.Equal(NewDate(2024, 1, 10).Time) {
		t.Fatalf("unexpected date %s", r.ReceivedDate)
	}
	b, err := json.Marshal(LabResult{TestName: "ALT"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if _, ok := m["date_performed"]; ok {
		t.Fatalf("expected unset date to be omitted: %s", b)
	}
	var empty Date
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil || !empty.IsZero() {
		t.Fatalf("expected empty string to decode as zero date")
	}
	if !NewDate(2024, 1, 9).Before(NewDate(2024, 1, 10)) || NewDate(2024, 1, 9).After(NewDate(2024, 1, 10)) {
		t.Fatalf("unexpected date ordering")
	}
}

func TestSexValid(t *testing.T) {
	for _, s := range []Sex{SexMale, SexFemale, SexUnknown} {
		if !s.Valid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if Sex("m").Valid() {
		t.Fatalf("sex is case sensitive")
	}
}

func TestEncodeDecodeRecordMovesID(t *testing.T) {
	created := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	raw, err := EncodeRecord(Reaction{ID: 9, ReportID: 3, ReactionEN: "NAUSEA", SequenceNo: 1, CreatedAt: created})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	if _, ok := m["id"]; ok {
		t.Fatalf("expected id to be stripped from body: %s", raw)
	}
	got, err := DecodeRecord[Reaction](Document{ID: 42, Body: raw})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 42 || got.ReportID != 3 || got.ReactionEN != "NAUSEA" || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected decoded reaction %+v", got)
	}
	if _, err := DecodeRecords[Reaction]([]Document{{ID: 1, Body: []byte("{")}}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestErrorClasses(t *testing.T) {
	cases := []struct {
		err    error
		target error
	}{
		{&ConstraintError{Collection: CollectionReports, Index: "manufacturer_control_no"}, ErrConstraintViolation},
		{&DuplicateControlNumberError{ControlNumber: "1", ExistingID: 2}, ErrConstraintViolation},
		{&NotFoundError{Collection: CollectionReports, ID: 1}, ErrNotFound},
		{NewValidationError("sex", "bad"), ErrValidation},
		{&StorageError{Op: "open", Err: errors.New("disk")}, ErrStorageUnavailable},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.target) {
			t.Fatalf("expected %v to match %v", tc.err, tc.target)
		}
		if tc.err.Error() == "" {
			t.Fatalf("expected message for %T", tc.err)
		}
	}
	wrapped := WrapStorage("insert", errors.New("io"))
	if !errors.Is(wrapped, ErrStorageUnavailable) {
		t.Fatalf("expected raw error to become storage error")
	}
	nf := &NotFoundError{Collection: "forms", ID: 3}
	if WrapStorage("get", nf) != error(nf) {
		t.Fatalf("expected classified error to pass through")
	}
	if WrapStorage("get", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
