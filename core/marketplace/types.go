package marketplace

import "time"

// TaskStatus tags the lifecycle state of a task.
type TaskStatus string

const (
	StatusOpen        TaskStatus = "open"
	StatusAssigned    TaskStatus = "assigned"
	StatusInProgress  TaskStatus = "in_progress"
	StatusUnderReview TaskStatus = "under_review"
	StatusCompleted   TaskStatus = "completed"
	StatusDisputed    TaskStatus = "disputed"
	StatusCancelled   TaskStatus = "cancelled"
)

// Task is a unit of paid work posted by an employer. EscrowAmount is nonzero
// only while funds for this task are held in custody, and a nonzero escrow
// always implies AssignedFreelancer is set.
type Task struct {
	ID                 uint64     `json:"id"`
	Employer           string     `json:"employer"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Budget             int64      `json:"budget"` // advisory, not enforced against bids
	Deadline           time.Time  `json:"deadline"`
	Status             TaskStatus `json:"status"`
	AssignedFreelancer string     `json:"assigned_freelancer,omitempty"`
	EscrowAmount       int64      `json:"escrow_amount"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Bid is one freelancer offer on an open task. Bids are immutable once
// recorded and keep insertion order.
type Bid struct {
	Freelancer       string    `json:"freelancer"`
	Amount           int64     `json:"amount"`
	Proposal         string    `json:"proposal"`
	DeliveryTimeDays uint64    `json:"delivery_time_days"`
	CreatedAt        time.Time `json:"created_at"`
}

// Dispute records a disagreement over an in-flight task. One dispute slot
// exists per task id.
type Dispute struct {
	TaskID    uint64    `json:"task_id"`
	RaisedBy  string    `json:"raised_by"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Resolved  bool      `json:"resolved"`
}

// Config is the marketplace singleton: token target, platform fee, admin
// (arbiter) identity, and the last-issued task id. Created once at
// initialization; only the fee changes afterwards.
type Config struct {
	TokenAddress   string `json:"token_address"`
	PlatformFeeBps uint32 `json:"platform_fee_bps"` // basis points out of 10000
	Admin          string `json:"admin"`
	TaskCounter    uint64 `json:"task_counter"`
}

// Event describes one completed lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // posted | bid | assigned | started | submitted | approved | disputed | resolved | cancelled
	TaskID    uint64    `json:"task_id"`
	Actor     string    `json:"actor"`
	Amount    int64     `json:"amount,omitempty"` // value moved into or out of custody
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
