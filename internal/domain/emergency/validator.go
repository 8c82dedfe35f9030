package emergency

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("patient not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidHoldContext = errors.New("hold requires in-progress status")
	ErrRoomOccupied       = errors.New("room occupied")
	ErrUnknownRoom        = errors.New("unknown room")
	ErrInvalidField       = errors.New("invalid field")
)

// RoomOccupancy answers room questions for the validator.
type RoomOccupancy interface {
	// KnownRoom reports whether room is in the vocabulary.
	KnownRoom(room string) bool
	// Occupant returns the id of the non-discharged patient holding room.
	Occupant(room string) (patientID string, ok bool)
}

// CanTransition decides whether proposed may be applied to current. On
// success it returns the patch to apply, which differs from proposed only
// by coercions (hold forced off outside in-progress). It never mutates its
// arguments.
func CanTransition(current *Patient, proposed Patch, occupancy RoomOccupancy) (Patch, error) {
	if err := validateFields(proposed); err != nil {
		return Patch{}, err
	}

	// Status moves forward only; discharged is terminal.
	effective := current.Status
	if proposed.Status != nil {
		next := *proposed.Status
		if statusRank[next] < statusRank[current.Status] {
			return Patch{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
		}
		effective = next
	}

	// Hold needs in-progress on one side of the change; the coercion below
	// clears it when the patient is moving past in-progress.
	if proposed.HoldStatus != nil && *proposed.HoldStatus &&
		current.Status != StatusInProgress && effective != StatusInProgress {
		return Patch{}, fmt.Errorf("%w: status is %s", ErrInvalidHoldContext, effective)
	}

	accepted := proposed
	if effective != StatusInProgress && (current.HoldStatus || proposed.HoldStatus != nil) {
		off := false
		accepted.HoldStatus = &off
	}

	if proposed.Room != nil && *proposed.Room != current.Room {
		room := *proposed.Room
		if !occupancy.KnownRoom(room) {
			return Patch{}, fmt.Errorf("%w: %q", ErrUnknownRoom, room)
		}
		if room != Lobby && effective != StatusDischarged {
			if holder, ok := occupancy.Occupant(room); ok && holder != current.ID {
				return Patch{}, fmt.Errorf("%w: %s is held by patient %s", ErrRoomOccupied, room, holder)
			}
		}
	}

	return accepted, nil
}

// validateFields checks enum values and comment text independently of the
// current record.
func validateFields(p Patch) error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidField, *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidField, *p.Priority)
	}
	if p.TriageStatus != nil && !p.TriageStatus.Valid() {
		return fmt.Errorf("%w: triageStatus %q", ErrInvalidField, *p.TriageStatus)
	}
	if p.RegistrationStatus != nil && !p.RegistrationStatus.Valid() {
		return fmt.Errorf("%w: registrationStatus %q", ErrInvalidField, *p.RegistrationStatus)
	}
	if p.Comment != nil && strings.TrimSpace(p.Comment.Text) == "" {
		return fmt.Errorf("%w: comment text is required", ErrInvalidField)
	}
	return nil
}

// validateNew checks a record about to be registered.
func validateNew(p *Patient, occupancy RoomOccupancy) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidField)
	}
	if p.Age < 0 {
		return fmt.Errorf("%w: age must not be negative", ErrInvalidField)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidField, p.Status)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidField, p.Priority)
	}
	if !p.TriageStatus.Valid() {
		return fmt.Errorf("%w: triageStatus %q", ErrInvalidField, p.TriageStatus)
	}
	if !p.RegistrationStatus.Valid() {
		return fmt.Errorf("%w: registrationStatus %q", ErrInvalidField, p.RegistrationStatus)
	}
	if p.HoldStatus && p.Status != StatusInProgress {
		return fmt.Errorf("%w: status is %s", ErrInvalidHoldContext, p.Status)
	}
	if !occupancy.KnownRoom(p.Room) {
		return fmt.Errorf("%w: %q", ErrUnknownRoom, p.Room)
	}
	if p.occupiesRoom() {
		if holder, ok := occupancy.Occupant(p.Room); ok && holder != p.ID {
			return fmt.Errorf("%w: %s is held by patient %s", ErrRoomOccupied, p.Room, holder)
		}
	}
	return nil
}
