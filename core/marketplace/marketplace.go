package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists marketplace records. Reads are individual lookups; all the
// writes of one operation are committed together through Apply.
type Store interface {
	GetConfig(ctx context.Context) (Config, error) // ErrNotInitialized when absent
	HasConfig(ctx context.Context) (bool, error)
	GetTask(ctx context.Context, id uint64) (Task, error) // ErrTaskNotFound when absent
	GetBids(ctx context.Context, taskID uint64) ([]Bid, error)
	GetDispute(ctx context.Context, taskID uint64) (Dispute, error) // ErrDisputeNotFound when absent
	HasDispute(ctx context.Context, taskID uint64) (bool, error)
	ListTasks(ctx context.Context, status TaskStatus) ([]Task, error)
	Apply(ctx context.Context, cs ChangeSet) error
	Close()
}

// ChangeSet batches the storage writes of a single operation. Nil fields are
// untouched; set fields replace the stored record.
type ChangeSet struct {
	Config  *Config
	Task    *Task
	Bids    *BidList
	Dispute *Dispute
}

// BidList replaces the bid sequence of one task.
type BidList struct {
	TaskID uint64
	Bids   []Bid
}

// TokenClient moves fungible value between accounts on the platform ledger.
type TokenClient interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
}

// Clock supplies operation timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Authenticator proves that the invoking caller controls an identity. The
// transport layer binds the verified caller to the request context; an
// operation never trusts a caller-supplied identity argument by itself.
type Authenticator interface {
	RequireCallerIs(ctx context.Context, identity string) error
}

// Marketplace owns the task registry, bid ledger, escrow controller, and
// dispute resolver. Every mutating operation is atomic: validation and token
// transfers happen first, then all storage writes commit in one Apply, and
// transfers already performed are reversed if the commit fails.
type Marketplace struct {
	mu      sync.Mutex
	store   Store
	token   TokenClient
	auth    Authenticator
	clock   Clock
	custody string // account holding escrowed funds
}

// New builds a Marketplace around its collaborators. custody is the account
// that holds escrowed value between acceptance and release.
func New(store Store, token TokenClient, auth Authenticator, clock Clock, custody string) *Marketplace {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Marketplace{
		store:   store,
		token:   token,
		auth:    auth,
		clock:   clock,
		custody: custody,
	}
}

// Initialize creates the marketplace configuration. It runs once per
// deployment; a second call fails with ErrAlreadyInitialized.
func (m *Marketplace) Initialize(ctx context.Context, tokenAddress string, platformFeeBps uint32, admin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.HasConfig(ctx)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}
	cfg := Config{
		TokenAddress:   tokenAddress,
		PlatformFeeBps: platformFeeBps,
		Admin:          admin,
		TaskCounter:    0,
	}
	return m.store.Apply(ctx, ChangeSet{Config: &cfg})
}

// PostTask creates a new open task and returns its id. Authenticated as the
// employer.
func (m *Marketplace) PostTask(ctx context.Context, employer, title, description string, budget int64, deadline time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.auth.RequireCallerIs(ctx, employer); err != nil {
		return 0, err
	}
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return 0, err
	}

	id := cfg.TaskCounter + 1
	task := Task{
		ID:          id,
		Employer:    employer,
		Title:       title,
		Description: description,
		Budget:      budget,
		Deadline:    deadline,
		Status:      StatusOpen,
		CreatedAt:   m.clock.Now(),
	}
	cfg.TaskCounter = id

	cs := ChangeSet{
		Config: &cfg,
		Task:   &task,
		Bids:   &BidList{TaskID: id, Bids: []Bid{}},
	}
	if err := m.store.Apply(ctx, cs); err != nil {
		return 0, err
	}
	m.publish("posted", id, employer, 0, fmt.Sprintf("task %d posted by %s", id, employer))
	return id, nil
}

// SubmitBid appends a bid to an open task. Authenticated as the freelancer.
// Repeat bids from the same freelancer are allowed and all retained.
func (m *Marketplace) SubmitBid(ctx context.Context, taskID uint64, freelancer string, amount int64, proposal string, deliveryTimeDays uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.auth.RequireCallerIs(ctx, freelancer); err != nil {
		return err
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusOpen {
		return fmt.Errorf("task %d is not open for bids: %w", taskID, ErrInvalidState)
	}
	bids, err := m.store.GetBids(ctx, taskID)
	if err != nil {
		return err
	}
	bids = append(bids, Bid{
		Freelancer:       freelancer,
		Amount:           amount,
		Proposal:         proposal,
		DeliveryTimeDays: deliveryTimeDays,
		CreatedAt:        m.clock.Now(),
	})
	if err := m.store.Apply(ctx, ChangeSet{Bids: &BidList{TaskID: taskID, Bids: bids}}); err != nil {
		return err
	}
	m.publish("bid", taskID, freelancer, 0, fmt.Sprintf("bid of %d on task %d by %s", amount, taskID, freelancer))
	return nil
}

// AcceptBid selects the first bid recorded for the given freelancer, moves
// the bid amount from the employer into custody, and assigns the task.
// Authenticated as the task's employer. If the transfer fails the task stays
// open.
func (m *Marketplace) AcceptBid(ctx context.Context, taskID uint64, freelancer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.auth.RequireCallerIs(ctx, task.Employer); err != nil {
		return err
	}
	if task.Status != StatusOpen {
		return fmt.Errorf("task %d is not open: %w", taskID, ErrInvalidState)
	}
	bids, err := m.store.GetBids(ctx, taskID)
	if err != nil {
		return err
	}
	var selected *Bid
	for i := range bids {
		if bids[i].Freelancer == freelancer {
			selected = &bids[i]
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("no bid from %s on task %d: %w", freelancer, taskID, ErrBidNotFound)
	}

	if err := m.token.Transfer(ctx, task.Employer, m.custody, selected.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	task.Status = StatusAssigned
	task.AssignedFreelancer = freelancer
	task.EscrowAmount = selected.Amount
	if err := m.store.Apply(ctx, ChangeSet{Task: &task}); err != nil {
		m.revert(ctx, []transfer{{task.Employer, m.custody, selected.Amount}})
		return err
	}
	m.publish("assigned", taskID, task.Employer, selected.Amount,
		fmt.Sprintf("task %d assigned to %s, %d escrowed", taskID, freelancer, selected.Amount))
	return nil
}

// StartWork moves an assigned task to in-progress. Authenticated as the
// assigned freelancer.
func (m *Marketplace) StartWork(ctx context.Context, taskID uint64) error {
	return m.advance(ctx, taskID, StatusAssigned, StatusInProgress, "started")
}

// SubmitWork moves an in-progress task to under-review. Authenticated as the
// assigned freelancer.
func (m *Marketplace) SubmitWork(ctx context.Context, taskID uint64) error {
	return m.advance(ctx, taskID, StatusInProgress, StatusUnderReview, "submitted")
}

// advance performs the two freelancer-driven transitions, which differ only
// in their endpoint states.
func (m *Marketplace) advance(ctx context.Context, taskID uint64, from, to TaskStatus, evtType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssignedFreelancer == "" {
		return fmt.Errorf("task %d: %w", taskID, ErrNoFreelancer)
	}
	if err := m.auth.RequireCallerIs(ctx, task.AssignedFreelancer); err != nil {
		return err
	}
	if task.Status != from {
		return fmt.Errorf("task %d is %s, not %s: %w", taskID, task.Status, from, ErrInvalidState)
	}
	task.Status = to
	if err := m.store.Apply(ctx, ChangeSet{Task: &task}); err != nil {
		return err
	}
	m.publish(evtType, taskID, task.AssignedFreelancer, 0,
		fmt.Sprintf("task %d moved to %s", taskID, to))
	return nil
}

// ApproveWork releases escrow for a task under review: the freelancer
// receives the escrow minus the platform fee, and the fee (when nonzero) goes
// to the admin. Authenticated as the task's employer.
func (m *Marketplace) ApproveWork(ctx context.Context, taskID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.auth.RequireCallerIs(ctx, task.Employer); err != nil {
		return err
	}
	if task.Status != StatusUnderReview {
		return fmt.Errorf("task %d is not under review: %w", taskID, ErrInvalidState)
	}
	if task.AssignedFreelancer == "" {
		return fmt.Errorf("task %d: %w", taskID, ErrNoFreelancer)
	}
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return err
	}

	held := task.EscrowAmount
	fee, payout := SplitFee(held, cfg.PlatformFeeBps)

	var done []transfer
	if err := m.token.Transfer(ctx, m.custody, task.AssignedFreelancer, payout); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	done = append(done, transfer{m.custody, task.AssignedFreelancer, payout})
	if fee > 0 {
		if err := m.token.Transfer(ctx, m.custody, cfg.Admin, fee); err != nil {
			m.revert(ctx, done)
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		done = append(done, transfer{m.custody, cfg.Admin, fee})
	}

	now := m.clock.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.EscrowAmount = 0
	if err := m.store.Apply(ctx, ChangeSet{Task: &task}); err != nil {
		m.revert(ctx, done)
		return err
	}
	m.publish("approved", taskID, task.Employer, held,
		fmt.Sprintf("task %d approved: %d to %s, %d fee", taskID, payout, task.AssignedFreelancer, fee))
	return nil
}

// RaiseDispute records a dispute against an in-progress or under-review task
// and freezes it in the disputed state. Authenticated as raisedBy, which must
// be the task's employer or its assigned freelancer. Funds stay in custody.
func (m *Marketplace) RaiseDispute(ctx context.Context, taskID uint64, raisedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.auth.RequireCallerIs(ctx, raisedBy); err != nil {
		return err
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if raisedBy != task.Employer && (task.AssignedFreelancer == "" || raisedBy != task.AssignedFreelancer) {
		return fmt.Errorf("%s is neither employer nor assigned freelancer of task %d: %w", raisedBy, taskID, ErrUnauthorized)
	}
	if task.Status != StatusInProgress && task.Status != StatusUnderReview {
		return fmt.Errorf("task %d cannot be disputed while %s: %w", taskID, task.Status, ErrInvalidState)
	}
	// Single dispute slot per task id.
	if exists, err := m.store.HasDispute(ctx, taskID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("task %d already has a dispute: %w", taskID, ErrInvalidState)
	}

	dispute := Dispute{
		TaskID:    taskID,
		RaisedBy:  raisedBy,
		Reason:    reason,
		CreatedAt: m.clock.Now(),
	}
	task.Status = StatusDisputed
	if err := m.store.Apply(ctx, ChangeSet{Task: &task, Dispute: &dispute}); err != nil {
		return err
	}
	m.publish("disputed", taskID, raisedBy, 0, fmt.Sprintf("dispute raised on task %d by %s", taskID, raisedBy))
	return nil
}

// ResolveDispute arbitrates a disputed task: employerPct percent of the
// escrow (floored) returns to the employer and the remainder goes to the
// freelancer. Authenticated as the admin. 0 and 100 are valid outcomes.
func (m *Marketplace) ResolveDispute(ctx context.Context, taskID uint64, employerPct uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := m.auth.RequireCallerIs(ctx, cfg.Admin); err != nil {
		return err
	}
	if employerPct > 100 {
		return fmt.Errorf("employer percentage %d: %w", employerPct, ErrInvalidArgument)
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusDisputed {
		return fmt.Errorf("task %d is not disputed: %w", taskID, ErrInvalidState)
	}
	if task.AssignedFreelancer == "" {
		return fmt.Errorf("task %d: %w", taskID, ErrNoFreelancer)
	}
	dispute, err := m.store.GetDispute(ctx, taskID)
	if err != nil {
		return err
	}

	held := task.EscrowAmount
	employerAmt, freelancerAmt := SplitDispute(held, employerPct)

	var done []transfer
	if employerAmt > 0 {
		if err := m.token.Transfer(ctx, m.custody, task.Employer, employerAmt); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		done = append(done, transfer{m.custody, task.Employer, employerAmt})
	}
	if freelancerAmt > 0 {
		if err := m.token.Transfer(ctx, m.custody, task.AssignedFreelancer, freelancerAmt); err != nil {
			m.revert(ctx, done)
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		done = append(done, transfer{m.custody, task.AssignedFreelancer, freelancerAmt})
	}

	now := m.clock.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.EscrowAmount = 0
	dispute.Resolved = true
	if err := m.store.Apply(ctx, ChangeSet{Task: &task, Dispute: &dispute}); err != nil {
		m.revert(ctx, done)
		return err
	}
	m.publish("resolved", taskID, cfg.Admin, held,
		fmt.Sprintf("dispute on task %d resolved: %d to employer, %d to freelancer", taskID, employerAmt, freelancerAmt))
	return nil
}

// CancelTask cancels a task that is still open. Authenticated as the task's
// employer.
func (m *Marketplace) CancelTask(ctx context.Context, taskID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.auth.RequireCallerIs(ctx, task.Employer); err != nil {
		return err
	}
	if task.Status != StatusOpen {
		return fmt.Errorf("only open tasks can be cancelled, task %d is %s: %w", taskID, task.Status, ErrInvalidState)
	}
	task.Status = StatusCancelled
	if err := m.store.Apply(ctx, ChangeSet{Task: &task}); err != nil {
		return err
	}
	m.publish("cancelled", taskID, task.Employer, 0, fmt.Sprintf("task %d cancelled", taskID))
	return nil
}

// UpdatePlatformFee overwrites the stored fee rate. Authenticated as the
// admin. Fees above 10000 bps are rejected.
func (m *Marketplace) UpdatePlatformFee(ctx context.Context, newFeeBps uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := m.auth.RequireCallerIs(ctx, cfg.Admin); err != nil {
		return err
	}
	if newFeeBps > feeDenominator {
		return fmt.Errorf("fee %d bps exceeds 100%%: %w", newFeeBps, ErrInvalidArgument)
	}
	cfg.PlatformFeeBps = newFeeBps
	return m.store.Apply(ctx, ChangeSet{Config: &cfg})
}

// GetTask returns a task by id.
func (m *Marketplace) GetTask(ctx context.Context, taskID uint64) (Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// GetTaskFreelancer returns the assigned freelancer for a task.
func (m *Marketplace) GetTaskFreelancer(ctx context.Context, taskID uint64) (string, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.AssignedFreelancer == "" {
		return "", fmt.Errorf("task %d: %w", taskID, ErrNoFreelancer)
	}
	return task.AssignedFreelancer, nil
}

// ListTasks returns tasks ordered by id, optionally filtered by status.
func (m *Marketplace) ListTasks(ctx context.Context, status TaskStatus) ([]Task, error) {
	return m.store.ListTasks(ctx, status)
}

// GetBids returns all bids for a task in insertion order.
func (m *Marketplace) GetBids(ctx context.Context, taskID uint64) ([]Bid, error) {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.GetBids(ctx, taskID)
}

// GetDispute returns the dispute recorded for a task, if any.
func (m *Marketplace) GetDispute(ctx context.Context, taskID uint64) (Dispute, error) {
	return m.store.GetDispute(ctx, taskID)
}

// HasDispute reports whether a dispute exists for a task.
func (m *Marketplace) HasDispute(ctx context.Context, taskID uint64) (bool, error) {
	return m.store.HasDispute(ctx, taskID)
}

// GetTaskCount returns the number of tasks ever posted, zero before
// initialization.
func (m *Marketplace) GetTaskCount(ctx context.Context) (uint64, error) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return 0, nil
		}
		return 0, err
	}
	return cfg.TaskCounter, nil
}

// GetPlatformFee returns the current fee rate in basis points, zero before
// initialization.
func (m *Marketplace) GetPlatformFee(ctx context.Context) (uint32, error) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return 0, nil
		}
		return 0, err
	}
	return cfg.PlatformFeeBps, nil
}

// Custody returns the account holding escrowed funds.
func (m *Marketplace) Custody() string { return m.custody }

type transfer struct {
	from, to string
	amount   int64
}

// revert undoes completed transfers, newest first, after a failed commit.
func (m *Marketplace) revert(ctx context.Context, done []transfer) {
	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		if err := m.token.Transfer(ctx, t.to, t.from, t.amount); err != nil {
			log.Printf("failed to revert transfer of %d from %s to %s: %v", t.amount, t.to, t.from, err)
		}
	}
}

func (m *Marketplace) publish(evtType string, taskID uint64, actor string, amount int64, message string) {
	PublishEvent(Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		TaskID:    taskID,
		Actor:     actor,
		Amount:    amount,
		Message:   message,
		CreatedAt: m.clock.Now(),
	})
}
