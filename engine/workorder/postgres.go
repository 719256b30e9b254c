package workorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// querier is the part of pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS work_orders (
	id              BIGSERIAL PRIMARY KEY,
	request_id      TEXT NOT NULL UNIQUE,
	asset_id        TEXT NOT NULL,
	description     TEXT NOT NULL,
	priority        INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 5),
	priority_text   TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'OPEN',
	urgency         DOUBLE PRECISION NOT NULL,
	severity        TEXT NOT NULL,
	estimated_hours DOUBLE PRECISION NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS work_orders_status_created ON work_orders (status, created_at DESC)`

// Store keeps work orders in Postgres and doubles as a Sink.
type Store struct {
	db     querier
	notify func(context.Context, Event)
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNotify registers a callback for created and status-changed orders.
func WithNotify(f func(context.Context, Event)) StoreOption {
	return func(s *Store) { s.notify = f }
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	return newStore(pool, opts...)
}

func newStore(db querier, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Store) Name() string { return "postgres" }

// Deliver stores the request as an OPEN work order.
func (s *Store) Deliver(ctx context.Context, req domain.MaintenanceRequest) error {
	_, err := s.Create(ctx, req)
	return err
}

// Create inserts the request unless its ID is already stored. created is
// false for a duplicate.
func (s *Store) Create(ctx context.Context, req domain.MaintenanceRequest) (created bool, err error) {
	if err := domain.ValidateMaintenanceRequest(req); err != nil {
		return false, permanent("%v", err)
	}
	rows, err := s.db.Query(ctx, `
INSERT INTO work_orders (request_id, asset_id, description, priority, priority_text, status, urgency, severity, estimated_hours, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (request_id) DO NOTHING
RETURNING id, updated_at`,
		req.ID, req.AssetID, req.Justification, req.Priority, req.PriorityText, string(StatusOpen),
		req.Urgency, string(req.Severity), req.EstimatedHours, req.CreatedAt)
	if err != nil {
		return false, transient(s.Name(), err)
	}
	defer rows.Close()

	wo := WorkOrder{
		RequestID: req.ID, AssetID: req.AssetID, Description: req.Justification,
		Priority: req.Priority, PriorityText: req.PriorityText, Status: StatusOpen,
		Urgency: req.Urgency, Severity: req.Severity, EstimatedHours: req.EstimatedHours,
		CreatedAt: req.CreatedAt,
	}
	if rows.Next() {
		if err := rows.Scan(&wo.ID, &wo.UpdatedAt); err != nil {
			return false, transient(s.Name(), err)
		}
		created = true
	}
	if err := rows.Err(); err != nil {
		return false, transient(s.Name(), err)
	}
	if !created {
		slog.Debug("work order already stored", "request_id", req.ID)
		return false, nil
	}
	s.emit(ctx, "created", wo)
	return true, nil
}

const selectColumns = `id, request_id, asset_id, description, priority, priority_text, status, urgency, severity, estimated_hours, created_at, updated_at`

// List returns work orders newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]WorkOrder, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(ctx, `SELECT `+selectColumns+` FROM work_orders ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+selectColumns+` FROM work_orders WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

func scanWorkOrder(rows pgx.Rows) (WorkOrder, error) {
	var (
		wo       WorkOrder
		status   string
		severity string
	)
	err := rows.Scan(&wo.ID, &wo.RequestID, &wo.AssetID, &wo.Description, &wo.Priority, &wo.PriorityText,
		&status, &wo.Urgency, &severity, &wo.EstimatedHours, &wo.CreatedAt, &wo.UpdatedAt)
	wo.Status, wo.Severity = Status(status), domain.Severity(severity)
	return wo, err
}

// UpdateStatus moves a work order to status. Unknown IDs yield ErrNotFound.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status) (WorkOrder, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return WorkOrder{}, err
	}
	rows, err := s.db.Query(ctx, `UPDATE work_orders SET status = $1, updated_at = $2 WHERE id = $3 RETURNING `+selectColumns,
		string(status), s.now().UTC(), id)
	if err != nil {
		return WorkOrder{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return WorkOrder{}, err
		}
		return WorkOrder{}, fmt.Errorf("work order %d: %w", id, domain.ErrNotFound)
	}
	wo, err := scanWorkOrder(rows)
	if err != nil {
		return WorkOrder{}, err
	}
	s.emit(ctx, "status_changed", wo)
	return wo, nil
}

func (s *Store) emit(ctx context.Context, typ string, wo WorkOrder) {
	if s.notify != nil {
		s.notify(ctx, Event{Type: typ, WorkOrder: wo, At: s.now().UTC()})
	}
}
