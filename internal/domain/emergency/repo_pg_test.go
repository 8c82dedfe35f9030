package emergency

import (
	"errors"
	"testing"
	"time"
)

// fakeRow feeds fixed column values to Scan in order.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *bool:
			*p = r.values[i].(bool)
		case *[]byte:
			if r.values[i] != nil {
				*p = r.values[i].([]byte)
			}
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *Status:
			*p = Status(r.values[i].(string))
		case *RegistrationStatus:
			*p = RegistrationStatus(r.values[i].(string))
		case *Priority:
			*p = Priority(r.values[i].(string))
		case *TriageStatus:
			*p = TriageStatus(r.values[i].(string))
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func patientRow(comments []byte) fakeRow {
	return fakeRow{values: []any{
		"p-1", "Jane Doe", 42, "female", "MRN-001", "Room 3", "chest pain", "in-progress",
		"triaged", true, false, "urgent", "triaged",
		"Dr. Patterson", "Nurse Kim", comments, t0, t0.Add(time.Hour),
		false, true, false,
	}}
}

func TestScanPatient(t *testing.T) {
	p, err := scanPatient(patientRow([]byte(`[{"author":"Nurse Kim","text":"NPO","timestamp":"2024-03-01T08:30:00Z"}]`)))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if p.ID != "p-1" || p.Status != StatusInProgress || !p.HoldStatus || p.Priority != PriorityUrgent || !p.IsSepsis {
		t.Errorf("unexpected patient: %+v", p)
	}
	if len(p.Comments) != 1 || p.Comments[0].Text != "NPO" || !p.Comments[0].Timestamp.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("unexpected comments: %+v", p.Comments)
	}
}

func TestScanPatient_NullComments(t *testing.T) {
	p, err := scanPatient(patientRow(nil))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(p.Comments) != 0 {
		t.Errorf("expected no comments, got %+v", p.Comments)
	}
}

func TestScanPatient_Errors(t *testing.T) {
	if _, err := scanPatient(patientRow([]byte(`{not json`))); err == nil {
		t.Error("expected error for corrupt comments")
	}
	if _, err := scanPatient(fakeRow{err: errors.New("no rows")}); err == nil {
		t.Error("expected scan error to propagate")
	}
}
