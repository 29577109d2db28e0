package marketplace

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrAlreadyInitialized = Err("marketplace already initialized")
	ErrNotInitialized     = Err("marketplace not initialized")
	ErrTaskNotFound       = Err("task not found")
	ErrBidNotFound        = Err("bid not found")
	ErrDisputeNotFound    = Err("dispute not found")
	ErrNoFreelancer       = Err("task has no assigned freelancer")
	ErrInvalidState       = Err("operation not valid for current task status")
	ErrUnauthorized       = Err("caller not authorized")
	ErrInvalidArgument    = Err("argument out of range")
	ErrTransferFailed     = Err("token transfer failed")
)
