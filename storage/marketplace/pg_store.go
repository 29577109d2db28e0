package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"taskmarket-backend/core/marketplace"
)

// PGStore persists marketplace state in Postgres. Each Apply runs in one
// transaction so an operation's writes land together or not at all.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS marketplace_config (
  id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  token_address TEXT NOT NULL,
  platform_fee_bps INT NOT NULL,
  admin TEXT NOT NULL,
  task_counter BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS marketplace_tasks (
  id BIGINT PRIMARY KEY,
  employer TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  budget BIGINT NOT NULL,
  deadline TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  assigned_freelancer TEXT NOT NULL DEFAULT '',
  escrow_amount BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS marketplace_bids (
  task_id BIGINT NOT NULL,
  seq INT NOT NULL,
  freelancer TEXT NOT NULL,
  amount BIGINT NOT NULL,
  proposal TEXT NOT NULL,
  delivery_time_days BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (task_id, seq)
);
CREATE TABLE IF NOT EXISTS marketplace_disputes (
  task_id BIGINT PRIMARY KEY,
  raised_by TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  resolved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_marketplace_tasks_status ON marketplace_tasks(status);
CREATE INDEX IF NOT EXISTS idx_marketplace_tasks_employer ON marketplace_tasks(employer);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetConfig returns the marketplace configuration.
func (s *PGStore) GetConfig(ctx context.Context) (marketplace.Config, error) {
	var cfg marketplace.Config
	err := s.pool.QueryRow(ctx, `
SELECT token_address, platform_fee_bps, admin, task_counter
FROM marketplace_config WHERE id = 1
`).Scan(&cfg.TokenAddress, &cfg.PlatformFeeBps, &cfg.Admin, &cfg.TaskCounter)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Config{}, marketplace.ErrNotInitialized
	}
	if err != nil {
		return marketplace.Config{}, err
	}
	return cfg, nil
}

// HasConfig reports whether the marketplace has been initialized.
func (s *PGStore) HasConfig(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM marketplace_config WHERE id = 1)`).Scan(&exists)
	return exists, err
}

// GetTask returns a task by id.
func (s *PGStore) GetTask(ctx context.Context, id uint64) (marketplace.Task, error) {
	var t marketplace.Task
	var completedAt *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, employer, title, description, budget, deadline, status,
       assigned_freelancer, escrow_amount, created_at, completed_at
FROM marketplace_tasks WHERE id = $1
`, int64(id)).Scan(&t.ID, &t.Employer, &t.Title, &t.Description, &t.Budget, &t.Deadline,
		&t.Status, &t.AssignedFreelancer, &t.EscrowAmount, &t.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Task{}, marketplace.ErrTaskNotFound
	}
	if err != nil {
		return marketplace.Task{}, err
	}
	t.CompletedAt = completedAt
	return t, nil
}

// GetBids returns all bids for a task, oldest first.
func (s *PGStore) GetBids(ctx context.Context, taskID uint64) ([]marketplace.Bid, error) {
	rows, err := s.pool.Query(ctx, `
SELECT freelancer, amount, proposal, delivery_time_days, created_at
FROM marketplace_bids WHERE task_id = $1 ORDER BY seq
`, int64(taskID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.Bid{}
	for rows.Next() {
		var b marketplace.Bid
		if err := rows.Scan(&b.Freelancer, &b.Amount, &b.Proposal, &b.DeliveryTimeDays, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetDispute returns the dispute for a task.
func (s *PGStore) GetDispute(ctx context.Context, taskID uint64) (marketplace.Dispute, error) {
	var d marketplace.Dispute
	err := s.pool.QueryRow(ctx, `
SELECT task_id, raised_by, reason, created_at, resolved
FROM marketplace_disputes WHERE task_id = $1
`, int64(taskID)).Scan(&d.TaskID, &d.RaisedBy, &d.Reason, &d.CreatedAt, &d.Resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Dispute{}, marketplace.ErrDisputeNotFound
	}
	if err != nil {
		return marketplace.Dispute{}, err
	}
	return d, nil
}

// HasDispute reports whether a dispute exists for a task.
func (s *PGStore) HasDispute(ctx context.Context, taskID uint64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM marketplace_disputes WHERE task_id = $1)`, int64(taskID)).Scan(&exists)
	return exists, err
}

// ListTasks returns tasks ordered by id, optionally filtered by status.
func (s *PGStore) ListTasks(ctx context.Context, status marketplace.TaskStatus) ([]marketplace.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, employer, title, description, budget, deadline, status,
       assigned_freelancer, escrow_amount, created_at, completed_at
FROM marketplace_tasks
WHERE ($1 = '' OR status = $1)
ORDER BY id
`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.Task{}
	for rows.Next() {
		var t marketplace.Task
		var completedAt *time.Time
		if err := rows.Scan(&t.ID, &t.Employer, &t.Title, &t.Description, &t.Budget, &t.Deadline,
			&t.Status, &t.AssignedFreelancer, &t.EscrowAmount, &t.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.CompletedAt = completedAt
		out = append(out, t)
	}
	return out, rows.Err()
}

// Apply commits every record in the change set in one transaction.
func (s *PGStore) Apply(ctx context.Context, cs marketplace.ChangeSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if cs.Config != nil {
		_, err := tx.Exec(ctx, `
INSERT INTO marketplace_config (id, token_address, platform_fee_bps, admin, task_counter)
VALUES (1, $1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
  token_address = EXCLUDED.token_address,
  platform_fee_bps = EXCLUDED.platform_fee_bps,
  admin = EXCLUDED.admin,
  task_counter = EXCLUDED.task_counter
`, cs.Config.TokenAddress, cs.Config.PlatformFeeBps, cs.Config.Admin, int64(cs.Config.TaskCounter))
		if err != nil {
			return err
		}
	}
	if cs.Task != nil {
		t := cs.Task
		_, err := tx.Exec(ctx, `
INSERT INTO marketplace_tasks (id, employer, title, description, budget, deadline, status,
  assigned_freelancer, escrow_amount, created_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  assigned_freelancer = EXCLUDED.assigned_freelancer,
  escrow_amount = EXCLUDED.escrow_amount,
  completed_at = EXCLUDED.completed_at
`, int64(t.ID), t.Employer, t.Title, t.Description, t.Budget, t.Deadline, string(t.Status),
			t.AssignedFreelancer, t.EscrowAmount, t.CreatedAt, t.CompletedAt)
		if err != nil {
			return err
		}
	}
	if cs.Bids != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM marketplace_bids WHERE task_id = $1`, int64(cs.Bids.TaskID)); err != nil {
			return err
		}
		for i, b := range cs.Bids.Bids {
			_, err := tx.Exec(ctx, `
INSERT INTO marketplace_bids (task_id, seq, freelancer, amount, proposal, delivery_time_days, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, int64(cs.Bids.TaskID), i, b.Freelancer, b.Amount, b.Proposal, int64(b.DeliveryTimeDays), b.CreatedAt)
			if err != nil {
				return err
			}
		}
	}
	if cs.Dispute != nil {
		d := cs.Dispute
		_, err := tx.Exec(ctx, `
INSERT INTO marketplace_disputes (task_id, raised_by, reason, created_at, resolved)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (task_id) DO UPDATE SET resolved = EXCLUDED.resolved
`, int64(d.TaskID), d.RaisedBy, d.Reason, d.CreatedAt, d.Resolved)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
