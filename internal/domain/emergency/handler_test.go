package emergency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/edtrack/internal/platform/auth"
	"github.com/ehr/edtrack/internal/platform/hipaa"
)

// asUser injects an authenticated user the way the JWT middleware does.
func asUser(id, name string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, auth.UserIDKey, id)
			ctx = context.WithValue(ctx, auth.UserNameKey, name)
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestHandler(t *testing.T, roles ...string) (*echo.Echo, *Service, *hipaa.AuditLogger) {
	t.Helper()
	svc, audit := newTestService(t)
	e := echo.New()
	api := e.Group("/api/v1", asUser("user-1", "Dr. Smith", roles...))
	NewHandler(svc).RegisterRoutes(api)
	return e, svc, audit
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandler_RegisterAndGetPatient(t *testing.T) {
	e, _, audit := newTestHandler(t, auth.RoleAdmin)

	rec := do(e, http.MethodPost, "/api/v1/patients", `{"name":"Jane Doe","age":42,"chiefComplaint":"chest pain","room":"Room 3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "waiting" || created["room"] != "Room 3" {
		t.Fatalf("unexpected patient: %v", created)
	}

	rec = do(e, http.MethodGet, "/api/v1/patients/"+id+"?section=vitals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["name"] != "Jane Doe" {
		t.Errorf("unexpected patient: %v", got)
	}
	e0 := audit.QueryByPatient(id)[0]
	if e0.ActionType != hipaa.ActionChartAccess || e0.UserID != "user-1" || e0.Details.Location != "/api/v1/patients/"+id {
		t.Errorf("unexpected access entry: %+v", e0)
	}
	if e0.Details.AdditionalInfo["section"] != "vitals" {
		t.Errorf("expected section to be recorded, got %v", e0.Details.AdditionalInfo)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	e, svc, _ := newTestHandler(t, auth.RoleAdmin)
	a := register(t, svc, Patient{Name: "A", Room: "T-1"})
	b := register(t, svc, Patient{Name: "B"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown patient", http.MethodGet, "/api/v1/patients/nope", "", http.StatusNotFound},
		{"room occupied", http.MethodPatch, "/api/v1/patients/" + b.ID, `{"room":"T-1"}`, http.StatusConflict},
		{"hold while waiting", http.MethodPatch, "/api/v1/patients/" + b.ID, `{"holdStatus":true}`, http.StatusUnprocessableEntity},
		{"unknown room", http.MethodPatch, "/api/v1/patients/" + b.ID, `{"room":"Hallway"}`, http.StatusBadRequest},
		{"bad enum", http.MethodPatch, "/api/v1/patients/" + b.ID, `{"priority":"critical"}`, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/v1/patients/" + b.ID, `{}`, http.StatusBadRequest},
		{"malformed json", http.MethodPatch, "/api/v1/patients/" + b.ID, `{"status":`, http.StatusBadRequest},
		{"bad board tab", http.MethodGet, "/api/v1/board?tab=everyone", "", http.StatusBadRequest},
		{"register without name", http.MethodPost, "/api/v1/patients", `{"age":3}`, http.StatusBadRequest},
		{"register into occupied room", http.MethodPost, "/api/v1/patients", `{"name":"C","room":"T-1"}`, http.StatusConflict},
		{"audit for unknown patient", http.MethodGet, "/api/v1/patients/nope/audit", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	// Moving forward then back is a conflict.
	if rec := do(e, http.MethodPatch, "/api/v1/patients/"+a.ID, `{"status":"discharge-ready"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPatch, "/api/v1/patients/"+a.ID, `{"status":"waiting"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for backward transition, got %d", rec.Code)
	}
}

func TestHandler_Board(t *testing.T) {
	e, svc, _ := newTestHandler(t, auth.RoleNurse)
	register(t, svc, Patient{Name: "Zed", ChiefComplaint: "fever"})
	register(t, svc, Patient{Name: "Amy", ChiefComplaint: "Fever and rash"})
	register(t, svc, Patient{Name: "Kai", ChiefComplaint: "cut"})

	rec := do(e, http.MethodGet, "/api/v1/board?tab=needs-triage&q=FEVER&sort=name&dir=asc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[struct {
		Patients []struct {
			Name     string `json:"name"`
			Provider struct {
				Kind string `json:"kind"`
			} `json:"provider"`
		} `json:"patients"`
		Counts Counts `json:"counts"`
	}](t, rec)
	if len(v.Patients) != 2 || v.Patients[0].Name != "Amy" || v.Patients[1].Name != "Zed" {
		t.Fatalf("unexpected rows: %+v", v.Patients)
	}
	if v.Patients[0].Provider.Kind != "plain" {
		t.Errorf("expected decoded provider, got %+v", v.Patients[0].Provider)
	}
	if v.Counts.All != 3 || v.Counts.NeedsTriage != 3 {
		t.Errorf("unexpected counts: %+v", v.Counts)
	}
}

func TestHandler_ListPatients(t *testing.T) {
	e, svc, _ := newTestHandler(t, auth.RoleRegistrar)
	for _, n := range []string{"A", "B", "C"} {
		register(t, svc, Patient{Name: n})
	}
	rec := do(e, http.MethodGet, "/api/v1/patients?limit=2&offset=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	page := decode[map[string]any](t, rec)
	if page["total"] != float64(3) {
		t.Errorf("expected total 3, got %v", page["total"])
	}
	if data, _ := page["data"].([]any); len(data) != 1 {
		t.Errorf("expected 1 row on the last page, got %v", page["data"])
	}
}

func TestHandler_CommentsAndAssignment(t *testing.T) {
	e, svc, audit := newTestHandler(t, auth.RolePhysician)
	p := register(t, svc, Patient{Name: "A"})

	rec := do(e, http.MethodPost, "/api/v1/patients/"+p.ID+"/comments", `{"text":"Awaiting CT"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if e0 := audit.QueryByPatient(p.ID)[0]; e0.ActionType != hipaa.ActionNoteCreated || e0.UserName != "Dr. Smith" {
		t.Errorf("unexpected comment entry: %+v", e0)
	}
	if rec := do(e, http.MethodPost, "/api/v1/patients/"+p.ID+"/comments", `{"text":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty comment, got %d", rec.Code)
	}

	rec = do(e, http.MethodPut, "/api/v1/patients/"+p.ID+"/assignment",
		`{"provider":{"name":"Dr. Patterson","style":{"color":"#3b82f6","fontFamily":"monospace","fontWeight":"normal","fontStyle":"normal"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]any](t, rec)
	if !strings.HasPrefix(got["assignedProvider"].(string), "|style|") {
		t.Errorf("expected encoded provider, got %v", got["assignedProvider"])
	}
	provider := got["provider"].(map[string]any)
	if provider["name"] != "Dr. Patterson" || provider["kind"] != "styled" {
		t.Errorf("unexpected decoded provider: %v", provider)
	}
}

func TestHandler_PatientAuditAndClinicalEvents(t *testing.T) {
	e, svc, _ := newTestHandler(t, auth.RolePhysician)
	p := register(t, svc, Patient{Name: "Jane"})

	rec := do(e, http.MethodPost, "/api/v1/audit", `{"patientId":"`+p.ID+`","actionType":"ORDER_CREATED","order":{"id":"o-1","type":"CBC"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/v1/audit", `{"patientId":"`+p.ID+`","actionType":"CHART_ACCESS","action":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for chart event, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/patients/"+p.ID+"/audit?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decode[hipaa.AuditSearchResult](t, rec)
	if res.Total != 2 || res.Entries[0].ActionType != hipaa.ActionOrderCreated {
		t.Fatalf("unexpected audit page: %+v", res)
	}
}

func TestHandler_Rooms(t *testing.T) {
	e, svc, _ := newTestHandler(t, auth.RoleNurse)
	p := register(t, svc, Patient{Name: "Jane", Room: "Room 3"})

	rec := do(e, http.MethodGet, "/api/v1/rooms", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rooms := decode[[]Room](t, rec)
	if len(rooms) != len(DefaultRooms) {
		t.Fatalf("expected %d rooms, got %d", len(DefaultRooms), len(rooms))
	}
	for _, r := range rooms {
		if r.Name == "Room 3" && r.OccupantID != p.ID {
			t.Errorf("expected Room 3 occupied by %s, got %+v", p.ID, r)
		}
	}

	rec = do(e, http.MethodPut, "/api/v1/rooms/Room%203/status", `{"status":"dirty"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if r := decode[Room](t, rec); r.Name != "Room 3" || r.Status != RoomDirty {
		t.Errorf("unexpected room: %+v", r)
	}
	if rec := do(e, http.MethodPut, "/api/v1/rooms/Room%203/status", `{"status":"sparkling"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RoleGuards(t *testing.T) {
	tests := []struct {
		role   string
		method string
		path   string
		body   string
		want   int
	}{
		{auth.RoleRegistrar, http.MethodGet, "/api/v1/board", "", http.StatusOK},
		{auth.RoleRegistrar, http.MethodPost, "/api/v1/patients", `{"name":"X"}`, http.StatusCreated},
		{auth.RoleRegistrar, http.MethodPatch, "/api/v1/patients/x", `{"consulted":true}`, http.StatusForbidden},
		{auth.RolePhysician, http.MethodPost, "/api/v1/patients", `{"name":"X"}`, http.StatusForbidden},
		{auth.RoleAuditor, http.MethodGet, "/api/v1/board", "", http.StatusForbidden},
		{auth.RoleAuditor, http.MethodGet, "/api/v1/patients/x/audit", "", http.StatusNotFound},
		{auth.RoleNurse, http.MethodGet, "/api/v1/patients/x/audit", "", http.StatusForbidden},
		{"", http.MethodGet, "/api/v1/rooms", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.role+" "+tt.method+" "+tt.path, func(t *testing.T) {
			var roles []string
			if tt.role != "" {
				roles = []string{tt.role}
			}
			e, _, _ := newTestHandler(t, roles...)
			if rec := do(e, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
