package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/edtrack/internal/platform/hipaa"
	"github.com/ehr/edtrack/pkg/pagination"
	"github.com/ehr/edtrack/pkg/styledname"
)

type Service struct {
	store *Store
	board *Board
	audit *hipaa.AuditLogger
	codec *styledname.Codec
}

func NewService(store *Store, board *Board, audit *hipaa.AuditLogger, codec *styledname.Codec) *Service {
	return &Service{store: store, board: board, audit: audit, codec: codec}
}

// AssignmentView is a decoded provider or nurse assignment.
type AssignmentView struct {
	Name  string            `json:"name"`
	Style *styledname.Style `json:"style,omitempty"`
	Kind  string            `json:"kind"`
}

// Row is a patient with its assignments decoded for display.
type Row struct {
	*Patient
	Provider AssignmentView `json:"provider"`
	Nurse    AssignmentView `json:"nurse"`
}

// BoardView is a board response with decoded rows.
type BoardView struct {
	Patients []Row  `json:"patients"`
	Counts   Counts `json:"counts"`
}

func (s *Service) decode(value string) AssignmentView {
	if value == "" {
		return AssignmentView{Kind: styledname.Plain.String()}
	}
	res := s.codec.Decode(value)
	return AssignmentView{Name: res.Name, Style: res.Style, Kind: res.Kind.String()}
}

func (s *Service) row(p *Patient) Row {
	return Row{Patient: p, Provider: s.decode(p.AssignedProvider), Nurse: s.decode(p.AssignedNurse)}
}

// -- Board --

func (s *Service) Board(q Query) (BoardView, error) {
	v, err := s.board.View(q)
	if err != nil {
		return BoardView{}, err
	}
	rows := make([]Row, 0, len(v.Patients))
	for _, p := range v.Patients {
		rows = append(rows, s.row(p))
	}
	return BoardView{Patients: rows, Counts: v.Counts}, nil
}

// -- Patients --

func (s *Service) ListPatients(page pagination.Params) ([]Row, int) {
	all := s.store.List()
	items := pagination.Slice(all, page)
	rows := make([]Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, s.row(p))
	}
	return rows, len(all)
}

func (s *Service) RegisterPatient(ctx context.Context, p *Patient, actor hipaa.Actor) (Row, error) {
	created, err := s.store.Create(ctx, p, actor)
	if err != nil {
		return Row{}, err
	}
	return s.row(created), nil
}

// OpenChart returns a patient and records the chart access.
func (s *Service) OpenChart(ctx context.Context, id, section string, actor hipaa.Actor) (Row, error) {
	p, err := s.store.Get(id)
	if err != nil {
		return Row{}, err
	}
	if err := s.audit.LogChartAccess(ctx, actor, p.ID, p.Name, section); err != nil {
		// The access still happened; the audit logger has already reported it.
		if !isPersistFailure(err) {
			return Row{}, fmt.Errorf("record chart access: %w", err)
		}
	}
	return s.row(p), nil
}

func (s *Service) UpdatePatient(ctx context.Context, id string, patch Patch, actor hipaa.Actor) (Row, error) {
	if patch.Empty() {
		return Row{}, fmt.Errorf("%w: patch is empty", ErrInvalidField)
	}
	p, err := s.store.Update(ctx, id, patch, actor)
	if err != nil {
		return Row{}, err
	}
	return s.row(p), nil
}

func (s *Service) AddComment(ctx context.Context, id string, c CommentInput, actor hipaa.Actor) (Row, error) {
	return s.UpdatePatient(ctx, id, Patch{Comment: &c}, actor)
}

// Assignment is a provider or nurse assignment request. A nil Style assigns
// a plain roster name; an empty Name clears the assignment.
type Assignment struct {
	Name  string            `json:"name"`
	Style *styledname.Style `json:"style,omitempty"`
}

func (a Assignment) encode(codec *styledname.Codec) string {
	name := strings.TrimSpace(a.Name)
	if name == "" || a.Style == nil {
		return name
	}
	return codec.Encode(name, *a.Style)
}

// AssignmentRequest changes the provider, the nurse, or both.
type AssignmentRequest struct {
	Provider *Assignment `json:"provider,omitempty"`
	Nurse    *Assignment `json:"nurse,omitempty"`
}

func (s *Service) Assign(ctx context.Context, id string, req AssignmentRequest, actor hipaa.Actor) (Row, error) {
	var patch Patch
	if req.Provider != nil {
		v := req.Provider.encode(s.codec)
		patch.AssignedProvider = &v
	}
	if req.Nurse != nil {
		v := req.Nurse.encode(s.codec)
		patch.AssignedNurse = &v
	}
	return s.UpdatePatient(ctx, id, patch, actor)
}

// -- Audit --

func (s *Service) PatientAudit(id string, page pagination.Params) (hipaa.AuditSearchResult, error) {
	if _, err := s.store.Get(id); err != nil {
		return hipaa.AuditSearchResult{}, err
	}
	return s.audit.Search(hipaa.AuditFilter{PatientID: id}, page), nil
}

// ClinicalEvent is an order, note or medication event reported by a
// collaborator. Chart events are recorded by the store itself.
type ClinicalEvent struct {
	PatientID      string           `json:"patientId"`
	ActionType     hipaa.ActionType `json:"actionType"`
	Action         string           `json:"action"`
	TargetID       string           `json:"targetId,omitempty"`
	TargetType     string           `json:"targetType,omitempty"`
	Order          *hipaa.Order     `json:"order,omitempty"`
	AdditionalInfo map[string]any   `json:"additionalInfo,omitempty"`
}

func (s *Service) RecordClinicalEvent(ctx context.Context, ev ClinicalEvent, actor hipaa.Actor) error {
	p, err := s.store.Get(ev.PatientID)
	if err != nil {
		return err
	}

	switch ev.ActionType {
	case hipaa.ActionOrderCreated, hipaa.ActionOrderModified:
		if ev.Order == nil {
			return fmt.Errorf("%w: order is required for %s", ErrInvalidField, ev.ActionType)
		}
		err = s.audit.LogOrder(ctx, actor, p.ID, p.Name, *ev.Order, ev.ActionType == hipaa.ActionOrderModified)
	case hipaa.ActionNoteCreated, hipaa.ActionNoteModified, hipaa.ActionNoteSigned, hipaa.ActionMedicationAdministered:
		if strings.TrimSpace(ev.Action) == "" {
			return fmt.Errorf("%w: action is required", ErrInvalidField)
		}
		err = s.audit.Append(ctx, actor.Entry(ev.ActionType, p.ID, p.Name, hipaa.Details{
			Action:         ev.Action,
			TargetID:       ev.TargetID,
			TargetType:     ev.TargetType,
			AdditionalInfo: ev.AdditionalInfo,
		}))
	default:
		return fmt.Errorf("%w: actionType %q cannot be reported", ErrInvalidField, ev.ActionType)
	}
	if err != nil && !isPersistFailure(err) {
		return err
	}
	return nil
}

// -- Rooms --

func (s *Service) Rooms() []Room {
	return s.store.Rooms()
}

func (s *Service) SetRoomStatus(ctx context.Context, room string, status RoomStatus) (Room, error) {
	return s.store.SetRoomStatus(ctx, room, status)
}

func isPersistFailure(err error) bool {
	return errors.Is(err, hipaa.ErrPersistFailed)
}
