package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edtrack/internal/platform/hipaa"
)

// Observer receives committed changes. Observers run synchronously on the
// writer's goroutine after the change is visible to readers and must not
// call Update or Create.
type Observer func(ChangeEvent)

// Store is the authoritative in-memory patient record store.
//
// Writers of one patient are serialized by a per-patient lock. The room
// index is checked and the record committed under the store write lock, so
// readers never observe two non-discharged patients in one room.
type Store struct {
	rooms  *RoomVocabulary
	audit  Auditor
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	patients   map[string]*Patient
	order      []string
	roomIndex  map[string]string // room -> occupying patient id
	roomStatus map[string]RoomStatus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRepository mirrors committed records to repo.
func WithRepository(repo Repository) StoreOption {
	return func(s *Store) { s.repo = repo }
}

// WithStoreClock replaces the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store. audit receives an entry for every
// accepted change.
func NewStore(rooms *RoomVocabulary, audit Auditor, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		rooms:      rooms,
		audit:      audit,
		logger:     logger.With().Str("component", "patient_store").Logger(),
		now:        time.Now,
		patients:   make(map[string]*Patient),
		roomIndex:  make(map[string]string),
		roomStatus: make(map[string]RoomStatus),
		locks:      make(map[string]*sync.Mutex),
		observers:  make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the store contents with the repository's records. Records
// that would violate room occupancy are kept but moved to Lobby.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	records, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	statuses, err := s.repo.LoadRoomStatuses(ctx)
	if err != nil {
		return fmt.Errorf("load room statuses: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.patients = make(map[string]*Patient, len(records))
	s.order = s.order[:0]
	s.roomIndex = make(map[string]string)
	for _, p := range records {
		p = p.clone()
		if !s.rooms.Known(p.Room) {
			s.logger.Warn().Str("patient_id", p.ID).Str("room", p.Room).Msg("stored room not in vocabulary, moving to Lobby")
			p.Room = Lobby
		}
		if p.occupiesRoom() {
			if holder, taken := s.roomIndex[p.Room]; taken {
				s.logger.Warn().Str("patient_id", p.ID).Str("room", p.Room).Str("holder", holder).
					Msg("stored room already occupied, moving to Lobby")
				p.Room = Lobby
			} else {
				s.roomIndex[p.Room] = p.ID
			}
		}
		s.patients[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	s.roomStatus = make(map[string]RoomStatus, len(statuses))
	for room, st := range statuses {
		if s.rooms.Known(room) && room != Lobby {
			s.roomStatus[room] = st
		}
	}

	s.logger.Info().Int("patients", len(records)).Msg("patient records loaded")
	return nil
}

// Subscribe registers fn for change notifications and returns a function
// that cancels the subscription.
func (s *Store) Subscribe(fn Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(ev ChangeEvent) {
	s.obsMu.RLock()
	obs := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range obs {
		fn(ev)
	}
}

// KnownRoom implements RoomOccupancy.
func (s *Store) KnownRoom(room string) bool {
	return s.rooms.Known(room)
}

// Occupant implements RoomOccupancy.
func (s *Store) Occupant(room string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roomIndex[room]
	return id, ok
}

// Get returns a copy of the patient with id.
func (s *Store) Get(id string) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

// List returns copies of every patient in registration order.
func (s *Store) List() []*Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Patient, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.patients[id].clone())
	}
	return out
}

func (s *Store) patientLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create registers a new patient. Unset workflow fields take their intake
// defaults: waiting, not triaged, checked in, Lobby, medium priority.
// Comments supplied with the intake are dropped; notes are added through
// Update so each one is audited.
func (s *Store) Create(ctx context.Context, in *Patient, actor hipaa.Actor) (*Patient, error) {
	now := s.now().UTC()
	p := in.clone()
	p.ID = uuid.NewString()
	p.Name = strings.TrimSpace(p.Name)
	p.Comments = []Comment{}
	if p.Status == "" {
		p.Status = StatusWaiting
	}
	if p.TriageStatus == "" {
		p.TriageStatus = TriageNotTriaged
	}
	if p.RegistrationStatus == "" {
		p.RegistrationStatus = RegistrationCheckedIn
	}
	if p.Room == "" {
		p.Room = Lobby
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if p.ArrivalTime.IsZero() {
		p.ArrivalTime = now
	}
	p.LastUpdated = now

	if err := validateNew(p, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if p.occupiesRoom() {
		if holder, taken := s.roomIndex[p.Room]; taken {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is held by patient %s", ErrRoomOccupied, p.Room, holder)
		}
		s.roomIndex[p.Room] = p.ID
	}
	s.patients[p.ID] = p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	s.logger.Info().Str("patient_id", p.ID).Str("room", p.Room).Msg("patient registered")

	s.record(ctx, actor.Entry(hipaa.ActionChartModified, p.ID, p.Name, hipaa.Details{
		Action:     "Registered patient",
		TargetID:   p.ID,
		TargetType: "Patient",
		AfterState: map[string]any{
			"status":       string(p.Status),
			"room":         p.Room,
			"priority":     string(p.Priority),
			"triageStatus": string(p.TriageStatus),
		},
	}))
	s.mirror(ctx, p)

	out := p.clone()
	s.notify(ChangeEvent{Kind: ChangeCreated, Patient: out.clone()})
	return out, nil
}

// Update validates patch against the current record and applies it
// atomically. A rejected patch leaves the record untouched. A patch that
// changes nothing returns the current record without auditing.
func (s *Store) Update(ctx context.Context, id string, patch Patch, actor hipaa.Actor) (*Patient, error) {
	lock := s.patientLock(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	accepted, err := CanTransition(cur, patch, s)
	if err != nil {
		s.logger.Debug().Err(err).Str("patient_id", id).Msg("patch rejected")
		return nil, err
	}

	now := s.now().UTC()
	next := accepted.apply(cur, actor.UserName, now)
	changes := diff(cur, next)
	commented := accepted.Comment != nil
	if len(changes) == 0 && !commented {
		return cur, nil
	}
	next.LastUpdated = now

	s.mu.Lock()
	if next.occupiesRoom() {
		if holder, taken := s.roomIndex[next.Room]; taken && holder != id {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is held by patient %s", ErrRoomOccupied, next.Room, holder)
		}
	}
	if cur.occupiesRoom() && s.roomIndex[cur.Room] == id {
		delete(s.roomIndex, cur.Room)
	}
	if next.occupiesRoom() {
		s.roomIndex[next.Room] = id
	}
	s.patients[id] = next
	s.mu.Unlock()

	if len(changes) > 0 {
		before := make(map[string]any, len(changes))
		after := make(map[string]any, len(changes))
		fields := make([]string, 0, len(changes))
		for _, c := range changes {
			before[c.Field] = c.Before
			after[c.Field] = c.After
			fields = append(fields, c.Field)
		}
		details := hipaa.Details{
			Action:      "Updated " + strings.Join(fields, ", "),
			TargetID:    id,
			TargetType:  "Patient",
			BeforeState: before,
			AfterState:  after,
		}
		if coerced := coercedFields(patch, accepted); len(coerced) > 0 {
			details.AdditionalInfo = map[string]any{"coerced": coerced}
		}
		s.record(ctx, actor.Entry(hipaa.ActionChartModified, id, next.Name, details))
	}
	if commented {
		c := next.Comments[len(next.Comments)-1]
		s.record(ctx, actor.Entry(hipaa.ActionNoteCreated, id, next.Name, hipaa.Details{
			Action:     "Added comment",
			TargetID:   id,
			TargetType: "Comment",
			AfterState: map[string]any{"author": c.Author, "text": c.Text},
		}))
	}

	s.logger.Info().Str("patient_id", id).Int("fields_changed", len(changes)).Bool("commented", commented).Msg("patient updated")
	s.mirror(ctx, next)

	out := next.clone()
	s.notify(ChangeEvent{Kind: ChangeUpdated, Patient: out.clone(), Before: cur})
	return out, nil
}

func coercedFields(proposed, accepted Patch) []string {
	var out []string
	if accepted.HoldStatus != nil && (proposed.HoldStatus == nil || *proposed.HoldStatus != *accepted.HoldStatus) {
		out = append(out, "holdStatus")
	}
	return out
}

// record appends to the audit trail. Failures never undo the commit; the
// audit logger retries and reports them itself.
func (s *Store) record(ctx context.Context, entry hipaa.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		ev := s.logger.Error()
		if errors.Is(err, hipaa.ErrPersistFailed) {
			ev = s.logger.Warn()
		}
		ev.Err(err).Str("patient_id", entry.PatientID).Str("action_type", string(entry.ActionType)).
			Msg("audit append failed after commit")
	}
}

func (s *Store) mirror(ctx context.Context, p *Patient) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, p); err != nil {
		s.logger.Error().Err(err).Str("patient_id", p.ID).Msg("patient mirror write failed")
	}
}

// Rooms returns the room board: every room in vocabulary order with its
// occupant and housekeeping status. Lobby has neither.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := s.rooms.Names()
	out := make([]Room, 0, len(names))
	for _, name := range names {
		r := Room{Name: name}
		if name != Lobby {
			r.Status = s.roomStatusLocked(name)
			if id, ok := s.roomIndex[name]; ok {
				r.OccupantID = id
				r.OccupantName = s.patients[id].Name
			}
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) roomStatusLocked(room string) RoomStatus {
	if st, ok := s.roomStatus[room]; ok {
		return st
	}
	return RoomReady
}

// SetRoomStatus updates a room's housekeeping status.
func (s *Store) SetRoomStatus(ctx context.Context, room string, status RoomStatus) (Room, error) {
	if !s.rooms.Known(room) {
		return Room{}, fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	if room == Lobby {
		return Room{}, fmt.Errorf("%w: Lobby has no housekeeping status", ErrInvalidField)
	}
	if !status.Valid() {
		return Room{}, fmt.Errorf("%w: room status %q", ErrInvalidField, status)
	}

	s.mu.Lock()
	s.roomStatus[room] = status
	r := Room{Name: room, Status: status}
	if id, ok := s.roomIndex[room]; ok {
		r.OccupantID = id
		r.OccupantName = s.patients[id].Name
	}
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRoomStatus(ctx, room, status); err != nil {
			s.logger.Error().Err(err).Str("room", room).Msg("room status mirror write failed")
		}
	}
	s.logger.Info().Str("room", room).Str("status", string(status)).Msg("room status updated")

	ev := r
	s.notify(ChangeEvent{Kind: ChangeRoom, Room: &ev})
	return r, nil
}
