package emergency

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ehr/edtrack/pkg/styledname"
)

// Tab selects a board view.
type Tab string

const (
	TabAll         Tab = "all"
	TabNeedsTriage Tab = "needs-triage"
	TabInTriage    Tab = "in-triage"
	TabDischarged  Tab = "discharged"
)

func (t Tab) Valid() bool {
	switch t {
	case TabAll, TabNeedsTriage, TabInTriage, TabDischarged:
		return true
	}
	return false
}

// onBoard reports whether p is tracked at all: patients still pending
// registration in the Lobby are not.
func onBoard(p *Patient) bool {
	return !(p.Room == Lobby && p.RegistrationStatus == RegistrationPending)
}

// Match reports whether p belongs on tab t. Tab counts use the same predicate.
func (t Tab) Match(p *Patient) bool {
	if !onBoard(p) {
		return false
	}
	switch t {
	case TabDischarged:
		return p.Status == StatusDischarged
	case TabNeedsTriage:
		return p.Status != StatusDischarged && p.TriageStatus == TriageNotTriaged
	case TabInTriage:
		return p.Status != StatusDischarged && p.TriageStatus == TriageInTriage
	default:
		return p.Status != StatusDischarged
	}
}

// SortDirection orders a sorted board.
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

type comparator func(a, b *Patient) int

func byString(f func(*Patient) string) comparator {
	return func(a, b *Patient) int { return strings.Compare(f(a), f(b)) }
}

// sortFields maps each sortable column to its ordering. String columns,
// enumerations included, compare lexicographically; assignments compare by
// display name.
var sortFields = map[string]comparator{
	"name":             byString(func(p *Patient) string { return p.Name }),
	"age":              func(a, b *Patient) int { return cmp.Compare(a.Age, b.Age) },
	"gender":           byString(func(p *Patient) string { return p.Gender }),
	"mrn":              byString(func(p *Patient) string { return p.MRN }),
	"room":             byString(func(p *Patient) string { return p.Room }),
	"chiefComplaint":   byString(func(p *Patient) string { return p.ChiefComplaint }),
	"status":           byString(func(p *Patient) string { return string(p.Status) }),
	"priority":         byString(func(p *Patient) string { return string(p.Priority) }),
	"triageStatus":     byString(func(p *Patient) string { return string(p.TriageStatus) }),
	"assignedProvider": byString(func(p *Patient) string { return styledname.DisplayName(p.AssignedProvider) }),
	"assignedNurse":    byString(func(p *Patient) string { return styledname.DisplayName(p.AssignedNurse) }),
	"arrivalTime":      func(a, b *Patient) int { return a.ArrivalTime.Compare(b.ArrivalTime) },
	"lastUpdated":      func(a, b *Patient) int { return a.LastUpdated.Compare(b.LastUpdated) },
}

// SortFields lists the columns a board can be sorted by.
func SortFields() []string {
	out := make([]string, 0, len(sortFields))
	for k := range sortFields {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Query describes one board view.
type Query struct {
	Tab       Tab
	Search    string
	SortBy    string
	Direction SortDirection
}

// Counts holds the number of patients on each tab.
type Counts struct {
	All         int `json:"all"`
	NeedsTriage int `json:"needsTriage"`
	InTriage    int `json:"inTriage"`
	Discharged  int `json:"discharged"`
}

func matchesSearch(p *Patient, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(p.Name), term) ||
		strings.Contains(strings.ToLower(p.ChiefComplaint), term) ||
		strings.Contains(strings.ToLower(p.Room), term)
}

// FilterAndSort returns the patients on q's tab that match its search term,
// sorted by q.SortBy. Input order is kept for equal keys and when no sort is
// requested. The input slice is not modified.
func FilterAndSort(patients []*Patient, q Query) ([]*Patient, error) {
	if q.Tab == "" {
		q.Tab = TabAll
	}
	if !q.Tab.Valid() {
		return nil, fmt.Errorf("%w: tab %q", ErrInvalidField, q.Tab)
	}
	var compare comparator
	if q.SortBy != "" {
		var ok bool
		if compare, ok = sortFields[q.SortBy]; !ok {
			return nil, fmt.Errorf("%w: sort field %q", ErrInvalidField, q.SortBy)
		}
	}
	switch q.Direction {
	case "", Ascending, Descending:
	default:
		return nil, fmt.Errorf("%w: sort direction %q", ErrInvalidField, q.Direction)
	}

	search := strings.TrimSpace(q.Search)
	out := make([]*Patient, 0, len(patients))
	for _, p := range patients {
		if q.Tab.Match(p) && matchesSearch(p, search) {
			out = append(out, p)
		}
	}

	if compare != nil {
		if q.Direction == Descending {
			asc := compare
			compare = func(a, b *Patient) int { return asc(b, a) }
		}
		slices.SortStableFunc(out, compare)
	}
	return out, nil
}

// CountTabs counts every tab from the full patient list.
func CountTabs(patients []*Patient) Counts {
	var c Counts
	for _, p := range patients {
		if TabAll.Match(p) {
			c.All++
		}
		if TabNeedsTriage.Match(p) {
			c.NeedsTriage++
		}
		if TabInTriage.Match(p) {
			c.InTriage++
		}
		if TabDischarged.Match(p) {
			c.Discharged++
		}
	}
	return c
}

// View is a rendered board: the selected rows plus every tab's count.
type View struct {
	Patients []*Patient `json:"patients"`
	Counts   Counts     `json:"counts"`
}

// Board keeps tab counts current by observing the store.
type Board struct {
	store *Store

	mu     sync.RWMutex
	counts Counts

	cancel func()
}

// NewBoard computes the initial counts and subscribes to store changes.
func NewBoard(store *Store) *Board {
	b := &Board{store: store}
	b.refresh()
	b.cancel = store.Subscribe(func(ev ChangeEvent) {
		if ev.Kind != ChangeRoom {
			b.refresh()
		}
	})
	return b
}

// refresh counts while holding the write lock; refreshes are serialized.
func (b *Board) refresh() {
	b.mu.Lock()
	b.counts = CountTabs(b.store.List())
	b.mu.Unlock()
}

// Counts returns the cached tab counts.
func (b *Board) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts
}

// View evaluates q against the current store contents.
func (b *Board) View(q Query) (View, error) {
	rows, err := FilterAndSort(b.store.List(), q)
	if err != nil {
		return View{}, err
	}
	return View{Patients: rows, Counts: b.Counts()}, nil
}

// Close stops observing the store.
func (b *Board) Close() {
	b.cancel()
}
