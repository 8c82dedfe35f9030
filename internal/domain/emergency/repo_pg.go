package emergency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ db queryable }

// NewRepoPG returns a Repository backed by the ed_patient and ed_room_status
// tables.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{db: pool} }

const patientCols = `id, name, age, gender, mrn, room, chief_complaint, status,
	registration_status, hold_status, consulted, priority, triage_status,
	assigned_provider, assigned_nurse, comments, arrival_time, last_updated,
	is_stroke, is_sepsis, is_fall_risk`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var comments []byte
	err := row.Scan(&p.ID, &p.Name, &p.Age, &p.Gender, &p.MRN, &p.Room, &p.ChiefComplaint, &p.Status,
		&p.RegistrationStatus, &p.HoldStatus, &p.Consulted, &p.Priority, &p.TriageStatus,
		&p.AssignedProvider, &p.AssignedNurse, &comments, &p.ArrivalTime, &p.LastUpdated,
		&p.IsStroke, &p.IsSepsis, &p.IsFallRisk)
	if err != nil {
		return nil, err
	}
	if len(comments) > 0 {
		if err := json.Unmarshal(comments, &p.Comments); err != nil {
			return nil, fmt.Errorf("decode comments for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func (r *repoPG) LoadAll(ctx context.Context) ([]*Patient, error) {
	rows, err := r.db.Query(ctx, `SELECT `+patientCols+` FROM ed_patient ORDER BY registered_seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) Save(ctx context.Context, p *Patient) error {
	comments, err := json.Marshal(p.Comments)
	if err != nil {
		return fmt.Errorf("encode comments: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO ed_patient (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			room=EXCLUDED.room, chief_complaint=EXCLUDED.chief_complaint, status=EXCLUDED.status,
			registration_status=EXCLUDED.registration_status, hold_status=EXCLUDED.hold_status,
			consulted=EXCLUDED.consulted, priority=EXCLUDED.priority, triage_status=EXCLUDED.triage_status,
			assigned_provider=EXCLUDED.assigned_provider, assigned_nurse=EXCLUDED.assigned_nurse,
			comments=EXCLUDED.comments, last_updated=EXCLUDED.last_updated,
			is_stroke=EXCLUDED.is_stroke, is_sepsis=EXCLUDED.is_sepsis, is_fall_risk=EXCLUDED.is_fall_risk`,
		p.ID, p.Name, p.Age, p.Gender, p.MRN, p.Room, p.ChiefComplaint, p.Status,
		p.RegistrationStatus, p.HoldStatus, p.Consulted, p.Priority, p.TriageStatus,
		p.AssignedProvider, p.AssignedNurse, comments, p.ArrivalTime, p.LastUpdated,
		p.IsStroke, p.IsSepsis, p.IsFallRisk)
	return err
}

func (r *repoPG) LoadRoomStatuses(ctx context.Context) (map[string]RoomStatus, error) {
	rows, err := r.db.Query(ctx, `SELECT room, status FROM ed_room_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]RoomStatus)
	for rows.Next() {
		var room string
		var status RoomStatus
		if err := rows.Scan(&room, &status); err != nil {
			return nil, err
		}
		out[room] = status
	}
	return out, rows.Err()
}

func (r *repoPG) SaveRoomStatus(ctx context.Context, room string, status RoomStatus) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ed_room_status (room, status) VALUES ($1, $2)
		ON CONFLICT (room) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`,
		room, status)
	return err
}
