package emergency

import "fmt"

// Lobby is the shared waiting area; any number of patients may be there.
const Lobby = "Lobby"

// DefaultRooms is the department's room vocabulary.
var DefaultRooms = []string{
	Lobby,
	"Room 1", "Room 2", "Room 3", "Room 4", "Room 5",
	"Room 6", "Room 7", "Room 8", "Room 9", "Room 10",
	"T-1", "T-2", "C-1", "C-2", "P-1", "P-2",
}

// RoomStatus is the housekeeping state of a treatment room. It is
// informational and never blocks assignment.
type RoomStatus string

const (
	RoomReady    RoomStatus = "ready"
	RoomDirty    RoomStatus = "dirty"
	RoomCleaning RoomStatus = "cleaning"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomReady, RoomDirty, RoomCleaning:
		return true
	}
	return false
}

// Room is a snapshot of one room on the room board.
type Room struct {
	Name         string     `json:"name"`
	Status       RoomStatus `json:"status,omitempty"`
	OccupantID   string     `json:"occupantId,omitempty"`
	OccupantName string     `json:"occupantName,omitempty"`
}

// RoomVocabulary is the fixed, ordered set of valid room names. Lobby is
// always a member.
type RoomVocabulary struct {
	names []string
	set   map[string]struct{}
}

// NewRoomVocabulary builds a vocabulary from names, adding Lobby first if it
// is missing. Duplicate and empty names are rejected.
func NewRoomVocabulary(names []string) (*RoomVocabulary, error) {
	v := &RoomVocabulary{set: make(map[string]struct{}, len(names)+1)}
	v.names = append(v.names, Lobby)
	v.set[Lobby] = struct{}{}
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("room name must not be empty")
		}
		if n == Lobby {
			continue
		}
		if _, dup := v.set[n]; dup {
			return nil, fmt.Errorf("duplicate room %q", n)
		}
		v.set[n] = struct{}{}
		v.names = append(v.names, n)
	}
	return v, nil
}

// Known reports whether room is in the vocabulary.
func (v *RoomVocabulary) Known(room string) bool {
	_, ok := v.set[room]
	return ok
}

// Names returns the rooms in configured order.
func (v *RoomVocabulary) Names() []string {
	return append([]string(nil), v.names...)
}
