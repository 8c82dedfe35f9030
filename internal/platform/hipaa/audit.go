package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/edtrack/internal/platform/kv"
	"github.com/rs/zerolog"
)

// DefaultKey is the kv key the audit trail is persisted under.
const DefaultKey = "auditLogs"

// ActionType classifies an audit entry.
type ActionType string

const (
	ActionChartAccess            ActionType = "CHART_ACCESS"
	ActionChartModified          ActionType = "CHART_MODIFIED"
	ActionOrderCreated           ActionType = "ORDER_CREATED"
	ActionOrderModified          ActionType = "ORDER_MODIFIED"
	ActionNoteCreated            ActionType = "NOTE_CREATED"
	ActionNoteSigned             ActionType = "NOTE_SIGNED"
	ActionNoteModified           ActionType = "NOTE_MODIFIED"
	ActionMedicationAdministered ActionType = "MEDICATION_ADMINISTERED"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionChartAccess, ActionChartModified, ActionOrderCreated, ActionOrderModified,
		ActionNoteCreated, ActionNoteSigned, ActionNoteModified, ActionMedicationAdministered:
		return true
	}
	return false
}

var (
	// ErrInvalidEntry is returned by Append for entries that can never be recorded.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrPersistFailed is returned by Append when the entry was recorded in
	// memory but could not be written to the durable store. The entry stays
	// pending and is written on the next successful persist.
	ErrPersistFailed = errors.New("audit persist failed")
)

// Details describes what an audited action did.
type Details struct {
	Action         string         `json:"action"`
	TargetID       string         `json:"targetId,omitempty"`
	TargetType     string         `json:"targetType,omitempty"`
	BeforeState    map[string]any `json:"beforeState,omitempty"`
	AfterState     map[string]any `json:"afterState,omitempty"`
	Location       string         `json:"location,omitempty"`
	AdditionalInfo map[string]any `json:"additionalInfo,omitempty"`
}

func (d Details) clone() Details {
	d.BeforeState = maps.Clone(d.BeforeState)
	d.AfterState = maps.Clone(d.AfterState)
	d.AdditionalInfo = maps.Clone(d.AdditionalInfo)
	return d
}

// AuditEntry is one immutable, actor-attributed record in the audit trail.
type AuditEntry struct {
	Timestamp    time.Time  `json:"timestamp"`
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName"`
	UserRole     string     `json:"userRole"`
	ActionType   ActionType `json:"actionType"`
	PatientID    string     `json:"patientId"`
	PatientName  string     `json:"patientName"`
	ProviderID   string     `json:"providerId,omitempty"`
	ProviderName string     `json:"providerName,omitempty"`
	Details      Details    `json:"details"`
}

func (e AuditEntry) clone() AuditEntry {
	e.Details = e.Details.clone()
	return e
}

// Actor identifies who performed an action and under whose authority.
type Actor struct {
	UserID       string
	UserName     string
	UserRole     string
	ProviderID   string
	ProviderName string
	Location     string
	IPAddress    string
}

// Entry builds an audit entry attributed to the actor. The timestamp is left
// zero so the logger assigns it at append time.
func (a Actor) Entry(action ActionType, patientID, patientName string, details Details) AuditEntry {
	if details.Location == "" {
		details.Location = a.Location
	}
	if a.IPAddress != "" {
		if _, set := details.AdditionalInfo["ipAddress"]; !set {
			details.AdditionalInfo = maps.Clone(details.AdditionalInfo)
			if details.AdditionalInfo == nil {
				details.AdditionalInfo = make(map[string]any, 1)
			}
			details.AdditionalInfo["ipAddress"] = a.IPAddress
		}
	}
	return AuditEntry{
		UserID:       a.UserID,
		UserName:     a.UserName,
		UserRole:     a.UserRole,
		ActionType:   action,
		PatientID:    patientID,
		PatientName:  patientName,
		ProviderID:   a.ProviderID,
		ProviderName: a.ProviderName,
		Details:      details,
	}
}

// RetryPolicy controls how many times a failed persist is attempted before
// the failure is surfaced.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Option configures an AuditLogger.
type Option func(*AuditLogger)

// WithKey overrides the kv key the trail is stored under.
func WithKey(key string) Option {
	return func(l *AuditLogger) {
		if key != "" {
			l.key = key
		}
	}
}

// WithRetry sets the persist retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(l *AuditLogger) {
		if p.Attempts < 1 {
			p.Attempts = 1
		}
		l.retry = p
	}
}

// WithFailureHook registers fn to be called whenever an entry could not be
// persisted after all retries.
func WithFailureHook(fn func(AuditEntry, error)) Option {
	return func(l *AuditLogger) { l.onFailure = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *AuditLogger) { l.now = now }
}

// AuditLogger is the append-only audit trail. Entries are held in memory in
// append order and the whole trail is written to a kv.Store as one JSON
// array, newest first, after every append.
type AuditLogger struct {
	store     kv.Store
	key       string
	logger    zerolog.Logger
	retry     RetryPolicy
	now       func() time.Time
	onFailure func(AuditEntry, error)

	mu      sync.Mutex
	entries []AuditEntry // oldest first
	pending bool

	failures atomic.Int64
}

// NewAuditLogger creates a logger persisting into store. Call Load before
// the first Append to pick up a previously persisted trail.
func NewAuditLogger(store kv.Store, logger zerolog.Logger, opts ...Option) *AuditLogger {
	l := &AuditLogger{
		store:  store,
		key:    DefaultKey,
		logger: logger.With().Str("component", "audit").Logger(),
		retry:  RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory trail with the persisted one. An absent key is
// an empty trail; a value that does not decode is an error.
func (l *AuditLogger) Load(ctx context.Context) error {
	raw, err := l.store.Get(ctx, l.key)
	if errors.Is(err, kv.ErrMiss) {
		l.mu.Lock()
		l.entries = nil
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load audit trail: %w", err)
	}

	var newestFirst []AuditEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &newestFirst); err != nil {
			return fmt.Errorf("decode audit trail %q: %w", l.key, err)
		}
	}

	entries := make([]AuditEntry, len(newestFirst))
	for i, e := range newestFirst {
		entries[len(newestFirst)-1-i] = e
	}

	l.mu.Lock()
	l.entries = entries
	l.pending = false
	l.mu.Unlock()

	l.logger.Info().Int("entries", len(entries)).Str("key", l.key).Msg("audit trail loaded")
	return nil
}

// Append records entry at the head of the trail and persists the trail.
// A zero timestamp is filled from the clock, and timestamps are clamped so
// they never go backwards in append order.
//
// If persistence fails after all retries the entry is still recorded, the
// failure is counted and reported, and an error wrapping ErrPersistFailed is
// returned.
func (l *AuditLogger) Append(ctx context.Context, entry AuditEntry) error {
	if !entry.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidEntry, entry.ActionType)
	}
	if entry.PatientID == "" {
		return fmt.Errorf("%w: patientId is required", ErrInvalidEntry)
	}
	if entry.Details.Action == "" {
		return fmt.Errorf("%w: details.action is required", ErrInvalidEntry)
	}

	entry = entry.clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if n := len(l.entries); n > 0 {
		if last := l.entries[n-1].Timestamp; entry.Timestamp.Before(last) {
			entry.Timestamp = last
		}
	}
	l.entries = append(l.entries, entry)

	if err := l.persistLocked(ctx); err != nil {
		l.pending = true
		n := l.failures.Add(1)
		l.logger.Error().Err(err).
			Str("event", "audit_persist_failed").
			Str("action_type", string(entry.ActionType)).
			Str("patient_id", entry.PatientID).
			Int64("failures", n).
			Msg("audit_persist_failed")
		if l.onFailure != nil {
			l.onFailure(entry.clone(), err)
		}
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	l.pending = false

	l.logger.Debug().
		Str("action_type", string(entry.ActionType)).
		Str("patient_id", entry.PatientID).
		Str("user_id", entry.UserID).
		Msg("audit entry appended")
	return nil
}

// Flush writes the trail if an earlier persist failed.
func (l *AuditLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pending {
		return nil
	}
	if err := l.persistLocked(ctx); err != nil {
		return fmt.Errorf("flush audit trail: %w", err)
	}
	l.pending = false
	l.logger.Info().Int("entries", len(l.entries)).Msg("pending audit entries flushed")
	return nil
}

// Pending reports whether entries are waiting to be persisted.
func (l *AuditLogger) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Failures returns how many appends failed to persist.
func (l *AuditLogger) Failures() int64 {
	return l.failures.Load()
}

func (l *AuditLogger) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(l.newestFirstLocked(func(AuditEntry) bool { return true }))
	if err != nil {
		return fmt.Errorf("encode audit trail: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= l.retry.Attempts; attempt++ {
		if lastErr = l.store.Set(ctx, l.key, raw); lastErr == nil {
			return nil
		}
		if attempt == l.retry.Attempts {
			break
		}
		l.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("audit persist attempt failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (after %d attempts)", ctx.Err(), attempt)
		case <-time.After(l.retry.Backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", l.retry.Attempts, lastErr)
}

func (l *AuditLogger) newestFirstLocked(keep func(AuditEntry) bool) []AuditEntry {
	out := make([]AuditEntry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if keep(l.entries[i]) {
			out = append(out, l.entries[i].clone())
		}
	}
	return out
}

// QueryAll returns every entry, newest first.
func (l *AuditLogger) QueryAll() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newestFirstLocked(func(AuditEntry) bool { return true })
}

// QueryByPatient returns the entries for one patient, newest first.
func (l *AuditLogger) QueryByPatient(patientID string) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newestFirstLocked(func(e AuditEntry) bool { return e.PatientID == patientID })
}

// Len returns the number of recorded entries.
func (l *AuditLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LogChartAccess records that actor opened a patient's chart, optionally a
// named section of it.
func (l *AuditLogger) LogChartAccess(ctx context.Context, actor Actor, patientID, patientName, section string) error {
	action := "Accessed patient chart"
	var info map[string]any
	if section != "" {
		action += " - " + section
		info = map[string]any{"section": section}
	}
	return l.Append(ctx, actor.Entry(ActionChartAccess, patientID, patientName, Details{
		Action:         action,
		AdditionalInfo: info,
	}))
}

// Order describes a clinical order for audit purposes.
type Order struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

// LogOrder records an order being created, or modified when modified is set.
func (l *AuditLogger) LogOrder(ctx context.Context, actor Actor, patientID, patientName string, order Order, modified bool) error {
	if order.Type == "" {
		return fmt.Errorf("%w: order type is required", ErrInvalidEntry)
	}
	after := maps.Clone(order.Fields)
	if after == nil {
		after = make(map[string]any, 2)
	}
	after["id"] = order.ID
	after["type"] = order.Type

	action, verb := ActionOrderCreated, "Created"
	if modified {
		action, verb = ActionOrderModified, "Modified"
	}
	return l.Append(ctx, actor.Entry(action, patientID, patientName, Details{
		Action:     verb + " order: " + order.Type,
		TargetID:   order.ID,
		TargetType: "Order",
		AfterState: after,
	}))
}
