package emergency

import (
	"context"

	"github.com/ehr/edtrack/internal/platform/hipaa"
)

// Repository mirrors committed patient records to durable storage. The
// in-memory Store stays authoritative; the mirror is read once at start-up.
type Repository interface {
	LoadAll(ctx context.Context) ([]*Patient, error)
	Save(ctx context.Context, p *Patient) error
	LoadRoomStatuses(ctx context.Context) (map[string]RoomStatus, error)
	SaveRoomStatus(ctx context.Context, room string, status RoomStatus) error
}

// Auditor records audit entries for committed changes.
type Auditor interface {
	Append(ctx context.Context, entry hipaa.AuditEntry) error
}
