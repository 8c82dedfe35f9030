package emergency

import (
	"slices"
	"time"
)

// Status is a patient's position on the ED care path.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusInProgress     Status = "in-progress"
	StatusDischargeReady Status = "discharge-ready"
	StatusDischarged     Status = "discharged"
)

var statusRank = map[Status]int{
	StatusWaiting:        0,
	StatusInProgress:     1,
	StatusDischargeReady: 2,
	StatusDischarged:     3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// RegistrationStatus tracks front-desk registration.
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationCheckedIn RegistrationStatus = "checked-in"
	RegistrationTriaged   RegistrationStatus = "triaged"
)

func (r RegistrationStatus) Valid() bool {
	switch r {
	case RegistrationPending, RegistrationCheckedIn, RegistrationTriaged:
		return true
	}
	return false
}

// TriageStatus tracks whether the patient has been clinically assessed.
type TriageStatus string

const (
	TriageNotTriaged TriageStatus = "not-triaged"
	TriageInTriage   TriageStatus = "in-triage"
	TriageTriaged    TriageStatus = "triaged"
)

var triageRank = map[TriageStatus]int{
	TriageNotTriaged: 0,
	TriageInTriage:   1,
	TriageTriaged:    2,
}

func (t TriageStatus) Valid() bool {
	_, ok := triageRank[t]
	return ok
}

// Priority is the clinical urgency of a patient.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Comment is an append-only note on a patient.
type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Patient is a tracked ED patient. Discharge is a status; records are never
// removed.
type Patient struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Age                int                `json:"age"`
	Gender             string             `json:"gender"`
	MRN                string             `json:"mrn"`
	Room               string             `json:"room"`
	ChiefComplaint     string             `json:"chiefComplaint"`
	Status             Status             `json:"status"`
	RegistrationStatus RegistrationStatus `json:"registrationStatus"`
	HoldStatus         bool               `json:"holdStatus"`
	Consulted          bool               `json:"consulted"`
	Priority           Priority           `json:"priority"`
	TriageStatus       TriageStatus       `json:"triageStatus"`
	AssignedProvider   string             `json:"assignedProvider"`
	AssignedNurse      string             `json:"assignedNurse"`
	Comments           []Comment          `json:"comments"`
	ArrivalTime        time.Time          `json:"arrivalTime"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	IsStroke           bool               `json:"isStroke"`
	IsSepsis           bool               `json:"isSepsis"`
	IsFallRisk         bool               `json:"isFallRisk"`
}

func (p *Patient) clone() *Patient {
	c := *p
	c.Comments = slices.Clone(p.Comments)
	if c.Comments == nil {
		c.Comments = []Comment{}
	}
	return &c
}

// occupiesRoom reports whether p holds its room for occupancy purposes.
func (p *Patient) occupiesRoom() bool {
	return p.Room != Lobby && p.Status != StatusDischarged
}

// CommentInput is a new comment proposed in a patch. The author defaults to
// the acting user and the timestamp is assigned by the store.
type CommentInput struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status             *Status             `json:"status,omitempty"`
	HoldStatus         *bool               `json:"holdStatus,omitempty"`
	Consulted          *bool               `json:"consulted,omitempty"`
	Priority           *Priority           `json:"priority,omitempty"`
	TriageStatus       *TriageStatus       `json:"triageStatus,omitempty"`
	RegistrationStatus *RegistrationStatus `json:"registrationStatus,omitempty"`
	Room               *string             `json:"room,omitempty"`
	ChiefComplaint     *string             `json:"chiefComplaint,omitempty"`
	AssignedProvider   *string             `json:"assignedProvider,omitempty"`
	AssignedNurse      *string             `json:"assignedNurse,omitempty"`
	IsStroke           *bool               `json:"isStroke,omitempty"`
	IsSepsis           *bool               `json:"isSepsis,omitempty"`
	IsFallRisk         *bool               `json:"isFallRisk,omitempty"`
	Comment            *CommentInput       `json:"comment,omitempty"`
}

// Empty reports whether the patch proposes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// onlyComment reports whether the patch does nothing but append a comment.
func (p Patch) onlyComment() bool {
	if p.Comment == nil {
		return false
	}
	p.Comment = nil
	return p.Empty()
}

// apply returns a copy of cur with the patch applied.
func (p Patch) apply(cur *Patient, author string, now time.Time) *Patient {
	next := cur.clone()
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.HoldStatus != nil {
		next.HoldStatus = *p.HoldStatus
	}
	if p.Consulted != nil {
		next.Consulted = *p.Consulted
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.TriageStatus != nil {
		next.TriageStatus = *p.TriageStatus
	}
	if p.RegistrationStatus != nil {
		next.RegistrationStatus = *p.RegistrationStatus
	}
	if p.Room != nil {
		next.Room = *p.Room
	}
	if p.ChiefComplaint != nil {
		next.ChiefComplaint = *p.ChiefComplaint
	}
	if p.AssignedProvider != nil {
		next.AssignedProvider = *p.AssignedProvider
	}
	if p.AssignedNurse != nil {
		next.AssignedNurse = *p.AssignedNurse
	}
	if p.IsStroke != nil {
		next.IsStroke = *p.IsStroke
	}
	if p.IsSepsis != nil {
		next.IsSepsis = *p.IsSepsis
	}
	if p.IsFallRisk != nil {
		next.IsFallRisk = *p.IsFallRisk
	}
	if p.Comment != nil {
		if p.Comment.Author != "" {
			author = p.Comment.Author
		}
		next.Comments = append(next.Comments, Comment{Author: author, Text: p.Comment.Text, Timestamp: now})
	}
	return next
}

// fieldChange is one changed field with its old and new value.
type fieldChange struct {
	Field  string
	Before any
	After  any
}

// diff lists the scalar fields that differ between a and b, in a fixed order.
// Comments are not included.
func diff(a, b *Patient) []fieldChange {
	var out []fieldChange
	add := func(field string, before, after any) {
		if before != after {
			out = append(out, fieldChange{Field: field, Before: before, After: after})
		}
	}
	add("status", string(a.Status), string(b.Status))
	add("holdStatus", a.HoldStatus, b.HoldStatus)
	add("consulted", a.Consulted, b.Consulted)
	add("priority", string(a.Priority), string(b.Priority))
	add("triageStatus", string(a.TriageStatus), string(b.TriageStatus))
	add("registrationStatus", string(a.RegistrationStatus), string(b.RegistrationStatus))
	add("room", a.Room, b.Room)
	add("chiefComplaint", a.ChiefComplaint, b.ChiefComplaint)
	add("assignedProvider", a.AssignedProvider, b.AssignedProvider)
	add("assignedNurse", a.AssignedNurse, b.AssignedNurse)
	add("isStroke", a.IsStroke, b.IsStroke)
	add("isSepsis", a.IsSepsis, b.IsSepsis)
	add("isFallRisk", a.IsFallRisk, b.IsFallRisk)
	return out
}

// ChangeKind identifies what a ChangeEvent describes.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "patient.created"
	ChangeUpdated ChangeKind = "patient.updated"
	ChangeRoom    ChangeKind = "room.updated"
)

// ChangeEvent is delivered to store observers after a committed change.
type ChangeEvent struct {
	Kind    ChangeKind
	Patient *Patient // nil for room events
	Before  *Patient // nil unless Kind is ChangeUpdated
	Room    *Room    // set for room events
}
