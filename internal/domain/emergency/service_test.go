package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/edtrack/internal/platform/hipaa"
	"github.com/ehr/edtrack/internal/platform/kv"
	"github.com/ehr/edtrack/internal/platform/websocket"
	"github.com/ehr/edtrack/pkg/pagination"
	"github.com/ehr/edtrack/pkg/styledname"
)

// downKV is a kv.Store whose writes always fail.
type downKV struct{}

func (downKV) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrMiss }
func (downKV) Set(context.Context, string, []byte) error    { return errors.New("store unavailable") }
func (downKV) Close() error                                 { return nil }

func newTestServiceWith(t *testing.T, store kv.Store) (*Service, *hipaa.AuditLogger) {
	t.Helper()
	rooms, err := NewRoomVocabulary(DefaultRooms)
	if err != nil {
		t.Fatal(err)
	}
	audit := hipaa.NewAuditLogger(store, zerolog.Nop(), hipaa.WithRetry(hipaa.RetryPolicy{Attempts: 1}))
	s := NewStore(rooms, audit, zerolog.Nop(), WithStoreClock(tickingClock()))
	b := NewBoard(s)
	t.Cleanup(b.Close)
	return NewService(s, b, audit, styledname.NewCodec(zerolog.Nop())), audit
}

func newTestService(t *testing.T) (*Service, *hipaa.AuditLogger) {
	return newTestServiceWith(t, kv.NewMemory())
}

func register(t *testing.T, svc *Service, p Patient) Row {
	t.Helper()
	row, err := svc.RegisterPatient(context.Background(), &p, nurse)
	if err != nil {
		t.Fatalf("register %s: %v", p.Name, err)
	}
	return row
}

func TestService_BoardDecodesAssignments(t *testing.T) {
	svc, _ := newTestService(t)
	style := styledname.Style{Color: "#3b82f6", FontFamily: "monospace", FontWeight: "normal", FontStyle: "normal"}
	register(t, svc, Patient{Name: "A", AssignedProvider: styledname.Encode("Dr. Patterson", style), AssignedNurse: "Nurse Kim"})
	register(t, svc, Patient{Name: "B", AssignedProvider: "|style|{broken|name|x"})

	v, err := svc.Board(Query{SortBy: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Patients) != 2 || v.Counts.All != 2 {
		t.Fatalf("unexpected board: %+v", v)
	}
	a := v.Patients[0]
	if a.Provider.Name != "Dr. Patterson" || a.Provider.Kind != "styled" || a.Provider.Style == nil || *a.Provider.Style != style {
		t.Errorf("unexpected provider: %+v", a.Provider)
	}
	if a.Nurse.Name != "Nurse Kim" || a.Nurse.Kind != "plain" || a.Nurse.Style != nil {
		t.Errorf("unexpected nurse: %+v", a.Nurse)
	}
	b := v.Patients[1]
	if b.Provider.Kind != "fallback-plain" || b.Provider.Name != "|style|{broken|name|x" {
		t.Errorf("expected raw fallback, got %+v", b.Provider)
	}
	if b.Nurse.Name != "" || b.Nurse.Kind != "plain" {
		t.Errorf("unexpected empty nurse: %+v", b.Nurse)
	}

	if _, err := svc.Board(Query{Tab: "bogus"}); !errors.Is(err, ErrInvalidField) {
		t.Errorf("expected ErrInvalidField, got %v", err)
	}
}

func TestService_ListPatientsPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	for _, n := range []string{"A", "B", "C"} {
		register(t, svc, Patient{Name: n})
	}
	rows, total := svc.ListPatients(pagination.New(2, 1))
	if total != 3 || len(rows) != 2 || rows[0].Name != "B" || rows[1].Name != "C" {
		t.Fatalf("unexpected page: total=%d rows=%d", total, len(rows))
	}
}

func TestService_OpenChartLogsAccess(t *testing.T) {
	svc, audit := newTestService(t)
	row := register(t, svc, Patient{Name: "Jane Doe"})

	got, err := svc.OpenChart(context.Background(), row.ID, "vitals", doctor)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != row.ID {
		t.Fatalf("wrong patient: %s", got.ID)
	}
	entries := audit.QueryByPatient(row.ID)
	if entries[0].ActionType != hipaa.ActionChartAccess || entries[0].UserID != doctor.UserID {
		t.Fatalf("expected newest entry to be chart access by doctor, got %+v", entries[0])
	}
	if entries[0].PatientName != "Jane Doe" {
		t.Errorf("expected patient name on entry, got %q", entries[0].PatientName)
	}

	if _, err := svc.OpenChart(context.Background(), "missing", "", doctor); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_AuditOutageIsNotFatal(t *testing.T) {
	svc, audit := newTestServiceWith(t, downKV{})
	row := register(t, svc, Patient{Name: "Jane"})

	if _, err := svc.OpenChart(context.Background(), row.ID, "", doctor); err != nil {
		t.Fatalf("chart access must not fail on audit outage: %v", err)
	}
	if _, err := svc.UpdatePatient(context.Background(), row.ID, Patch{Consulted: ptr(true)}, doctor); err != nil {
		t.Fatalf("update must not fail on audit outage: %v", err)
	}
	if !audit.Pending() || audit.Failures() < 3 {
		t.Fatalf("expected failures to be surfaced, pending=%v failures=%d", audit.Pending(), audit.Failures())
	}
	if audit.Len() != 3 {
		t.Fatalf("entries must be kept in memory, got %d", audit.Len())
	}
}

func TestService_UpdateRejectsEmptyPatch(t *testing.T) {
	svc, _ := newTestService(t)
	row := register(t, svc, Patient{Name: "A"})
	if _, err := svc.UpdatePatient(context.Background(), row.ID, Patch{}, nurse); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestService_AddComment(t *testing.T) {
	svc, audit := newTestService(t)
	row := register(t, svc, Patient{Name: "A"})

	got, err := svc.AddComment(context.Background(), row.ID, CommentInput{Text: "Family at bedside"}, nurse)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Comments) != 1 || got.Comments[0].Author != "Nurse Johnson" {
		t.Fatalf("unexpected comments: %+v", got.Comments)
	}
	if e := audit.QueryByPatient(row.ID)[0]; e.ActionType != hipaa.ActionNoteCreated {
		t.Errorf("expected NOTE_CREATED, got %s", e.ActionType)
	}
}

func TestService_Assign(t *testing.T) {
	svc, _ := newTestService(t)
	row := register(t, svc, Patient{Name: "A", AssignedNurse: "Nurse Kim"})
	style := styledname.Style{Color: "#ef4444", FontWeight: "bold"}

	got, err := svc.Assign(context.Background(), row.ID, AssignmentRequest{
		Provider: &Assignment{Name: " Dr. Patterson ", Style: &style},
	}, nurse)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedProvider != styledname.Encode("Dr. Patterson", style) {
		t.Errorf("expected encoded provider, got %q", got.AssignedProvider)
	}
	if got.Provider.Name != "Dr. Patterson" || got.Provider.Style == nil || *got.Provider.Style != style {
		t.Errorf("unexpected decoded provider: %+v", got.Provider)
	}
	if got.AssignedNurse != "Nurse Kim" {
		t.Error("nurse should be untouched")
	}

	got, err = svc.Assign(context.Background(), row.ID, AssignmentRequest{Nurse: &Assignment{}}, nurse)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedNurse != "" {
		t.Errorf("expected nurse cleared, got %q", got.AssignedNurse)
	}

	if _, err := svc.Assign(context.Background(), row.ID, AssignmentRequest{}, nurse); !errors.Is(err, ErrInvalidField) {
		t.Errorf("expected empty assignment to be rejected, got %v", err)
	}
}

func TestService_RecordClinicalEvent(t *testing.T) {
	svc, audit := newTestService(t)
	row := register(t, svc, Patient{Name: "Jane"})
	ctx := context.Background()

	err := svc.RecordClinicalEvent(ctx, ClinicalEvent{
		PatientID:  row.ID,
		ActionType: hipaa.ActionOrderCreated,
		Order:      &hipaa.Order{ID: "ord-1", Type: "CBC"},
	}, doctor)
	if err != nil {
		t.Fatal(err)
	}
	e := audit.QueryByPatient(row.ID)[0]
	if e.ActionType != hipaa.ActionOrderCreated || e.Details.Action != "Created order: CBC" || e.PatientName != "Jane" {
		t.Errorf("unexpected order entry: %+v", e)
	}

	err = svc.RecordClinicalEvent(ctx, ClinicalEvent{
		PatientID:  row.ID,
		ActionType: hipaa.ActionMedicationAdministered,
		Action:     "Administered 1g acetaminophen PO",
		TargetID:   "mar-9",
	}, nurse)
	if err != nil {
		t.Fatal(err)
	}
	if e := audit.QueryByPatient(row.ID)[0]; e.ActionType != hipaa.ActionMedicationAdministered || e.Details.TargetID != "mar-9" {
		t.Errorf("unexpected medication entry: %+v", e)
	}

	tests := []struct {
		name string
		ev   ClinicalEvent
		want error
	}{
		{"order without order", ClinicalEvent{PatientID: row.ID, ActionType: hipaa.ActionOrderModified}, ErrInvalidField},
		{"note without action", ClinicalEvent{PatientID: row.ID, ActionType: hipaa.ActionNoteSigned}, ErrInvalidField},
		{"chart events are internal", ClinicalEvent{PatientID: row.ID, ActionType: hipaa.ActionChartModified, Action: "x"}, ErrInvalidField},
		{"unknown patient", ClinicalEvent{PatientID: "missing", ActionType: hipaa.ActionNoteCreated, Action: "x"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RecordClinicalEvent(ctx, tt.ev, nurse); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestService_PatientAudit(t *testing.T) {
	svc, _ := newTestService(t)
	row := register(t, svc, Patient{Name: "Jane"})
	other := register(t, svc, Patient{Name: "John"})
	for i := 0; i < 3; i++ {
		if _, err := svc.OpenChart(context.Background(), row.ID, "", doctor); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.OpenChart(context.Background(), other.ID, "", doctor); err != nil {
		t.Fatal(err)
	}

	res, err := svc.PatientAudit(row.ID, pagination.New(2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 4 || len(res.Entries) != 2 {
		t.Fatalf("expected 2 of 4 entries, got %d of %d", len(res.Entries), res.Total)
	}
	if res.Entries[0].Timestamp.Before(res.Entries[1].Timestamp) {
		t.Error("expected newest first")
	}
	for _, e := range res.Entries {
		if e.PatientID != row.ID {
			t.Errorf("entry for wrong patient: %s", e.PatientID)
		}
	}

	if _, err := svc.PatientAudit("missing", pagination.New(0, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestBoardNotifier(t *testing.T) {
	svc, _ := newTestService(t)
	pub := &capturePublisher{}
	cancel := svc.store.Subscribe(NewBoardNotifier(pub, zerolog.Nop()))
	defer cancel()

	row := register(t, svc, Patient{Name: "Jane", Room: "Room 3"})
	if _, err := svc.SetRoomStatus(context.Background(), "Room 1", RoomCleaning); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.events))
	}
	created := pub.events[0]
	if created.Topic != BoardTopic || created.Type != string(ChangeCreated) || created.ResourceType != "Patient" || created.ResourceID != row.ID {
		t.Errorf("unexpected created event: %+v", created)
	}
	var p Patient
	if err := json.Unmarshal(created.Data, &p); err != nil || p.Room != "Room 3" {
		t.Errorf("unexpected patient payload: %v %s", err, created.Data)
	}
	room := pub.events[1]
	if room.Type != string(ChangeRoom) || room.ResourceType != "Room" || room.ResourceID != "Room 1" {
		t.Errorf("unexpected room event: %+v", room)
	}
}
