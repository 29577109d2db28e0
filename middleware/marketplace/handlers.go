package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/metrics"
	auth "taskmarket-backend/storage/auth"
)

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TokenAddress   string `json:"token_address"`
		PlatformFeeBps uint32 `json:"platform_fee_bps"`
		Admin          string `json:"admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := s.market.Initialize(r.Context(), body.TokenAddress, body.PlatformFeeBps, body.Admin)
	metrics.ObserveOperation("initialize", err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	feeBps, err := s.market.GetPlatformFee(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	count, err := s.market.GetTaskCount(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"platform_fee_bps": feeBps,
		"task_count":       count,
		"custody_account":  s.market.Custody(),
		"asset":            s.tokens.Asset(),
	})
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		PlatformFeeBps uint32 `json:"platform_fee_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := s.market.UpdatePlatformFee(r.Context(), body.PlatformFeeBps)
	metrics.ObserveOperation("update_platform_fee", err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"platform_fee_bps": body.PlatformFeeBps,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/marketplace/tasks")
	path = strings.Trim(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			s.handleListTasks(w, r)
		case http.MethodPost:
			s.handlePostTask(w, r)
		default:
			Error(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	parts := strings.Split(path, "/")
	taskID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := s.market.GetTask(r.Context(), taskID)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusOK, task)
		return
	}

	switch parts[1] {
	case "bids":
		s.handleBids(w, r, taskID)
	case "accept":
		s.handleAcceptBid(w, r, taskID)
	case "start":
		s.handleTransition(w, r, taskID, "start_work", s.market.StartWork)
	case "submit":
		s.handleTransition(w, r, taskID, "submit_work", s.market.SubmitWork)
	case "approve":
		s.handleTransition(w, r, taskID, "approve_work", s.market.ApproveWork)
	case "cancel":
		s.handleTransition(w, r, taskID, "cancel_task", s.market.CancelTask)
	case "dispute":
		s.handleDispute(w, r, taskID)
	case "resolve":
		s.handleResolveDispute(w, r, taskID)
	case "freelancer":
		s.handleTaskFreelancer(w, r, taskID)
	case "funding-qr":
		s.handleTaskFundingQR(w, r, taskID)
	default:
		Error(w, http.StatusNotFound, "unknown task action")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	tasks, err := s.market.ListTasks(r.Context(), status)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       tasks,
		"total_count": len(tasks),
	})
}

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		Error(w, http.StatusForbidden, "api key missing wallet binding")
		return
	}
	var body struct {
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Budget      int64     `json:"budget"`
		Deadline    time.Time `json:"deadline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := s.market.PostTask(r.Context(), caller, body.Title, body.Description, body.Budget, body.Deadline)
	metrics.ObserveOperation("post_task", err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{
		"task_id":  id,
		"employer": caller,
	})
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request, taskID uint64) {
	switch r.Method {
	case http.MethodGet:
		bids, err := s.market.GetBids(r.Context(), taskID)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]interface{}{
			"bids":        bids,
			"total_count": len(bids),
		})
	case http.MethodPost:
		caller, ok := auth.CallerFrom(r.Context())
		if !ok {
			Error(w, http.StatusForbidden, "api key missing wallet binding")
			return
		}
		var body struct {
			Amount           int64  `json:"amount"`
			Proposal         string `json:"proposal"`
			DeliveryTimeDays uint64 `json:"delivery_time_days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		err := s.market.SubmitBid(r.Context(), taskID, caller, body.Amount, body.Proposal, body.DeliveryTimeDays)
		metrics.ObserveOperation("submit_bid", err)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusCreated, map[string]interface{}{
			"success":    true,
			"task_id":    taskID,
			"freelancer": caller,
		})
	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Freelancer string `json:"freelancer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Freelancer) == "" {
		Error(w, http.StatusBadRequest, "freelancer required")
		return
	}
	err := s.market.AcceptBid(r.Context(), taskID, body.Freelancer)
	metrics.ObserveOperation("accept_bid", err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"task_id":    taskID,
		"freelancer": body.Freelancer,
	})
}

// handleTransition serves the body-less POST actions that only move a task
// between states.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, taskID uint64, op string, fn func(context.Context, uint64) error) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	err := fn(r.Context(), taskID)
	metrics.ObserveOperation(op, err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"task_id": taskID,
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, taskID uint64) {
	switch r.Method {
	case http.MethodGet:
		dispute, err := s.market.GetDispute(r.Context(), taskID)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusOK, dispute)
	case http.MethodPost:
		caller, ok := auth.CallerFrom(r.Context())
		if !ok {
			Error(w, http.StatusForbidden, "api key missing wallet binding")
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		err := s.market.RaiseDispute(r.Context(), taskID, caller, body.Reason)
		metrics.ObserveOperation("raise_dispute", err)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusCreated, map[string]interface{}{
			"success":   true,
			"task_id":   taskID,
			"raised_by": caller,
		})
	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		EmployerPct uint32 `json:"employer_pct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := s.market.ResolveDispute(r.Context(), taskID, body.EmployerPct)
	metrics.ObserveOperation("resolve_dispute", err)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"task_id":      taskID,
		"employer_pct": body.EmployerPct,
	})
}

func (s *Server) handleTaskFreelancer(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	freelancer, err := s.market.GetTaskFreelancer(r.Context(), taskID)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"task_id":    taskID,
		"freelancer": freelancer,
	})
}

// handleTaskFundingQR renders the funding QR for one task: the employer's
// account and the escrowed amount, or the budget while the task is still open.
func (s *Server) handleTaskFundingQR(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.market.GetTask(r.Context(), taskID)
	if err != nil {
		Fail(w, err)
		return
	}
	amount := task.EscrowAmount
	if amount == 0 {
		amount = task.Budget
	}
	png, err := s.payments.FundingQR(task.Employer, amount)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		caller, ok := auth.CallerFrom(r.Context())
		if !ok {
			Error(w, http.StatusBadRequest, "account required")
			return
		}
		account = caller
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"account": account,
		"balance": s.tokens.Balance(account),
		"asset":   s.tokens.Asset(),
	})
}

func (s *Server) handleFundingQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		if caller, ok := auth.CallerFrom(r.Context()); ok {
			address = caller
		}
	}
	if address == "" {
		Error(w, http.StatusBadRequest, "address required")
		return
	}
	amount := int64FromQuery(r, "amount", 0)
	png, err := s.payments.FundingQR(address, amount)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tasks, err := s.market.ListTasks(r.Context(), "")
	if err != nil {
		Fail(w, err)
		return
	}
	byStatus := make(map[core.TaskStatus]int)
	var escrowHeld int64
	for _, t := range tasks {
		byStatus[t.Status]++
		escrowHeld += t.EscrowAmount
	}
	count, _ := s.market.GetTaskCount(r.Context())
	JSON(w, http.StatusOK, map[string]interface{}{
		"task_count":      count,
		"tasks_by_status": byStatus,
		"escrow_held":     escrowHeld,
		"custody_balance": s.tokens.Balance(s.market.Custody()),
	})
}

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Wallet string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	wallet := strings.TrimSpace(body.Wallet)
	if wallet == "" {
		Error(w, http.StatusBadRequest, "wallet_address required")
		return
	}
	ch, err := s.challenges.Issue(wallet)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, ch)
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Wallet    string `json:"wallet_address"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	wallet := strings.TrimSpace(body.Wallet)
	if wallet == "" {
		Error(w, http.StatusBadRequest, "wallet_address required")
		return
	}
	if !s.challenges.Verify(wallet, body.PublicKey, body.Signature) {
		Error(w, http.StatusForbidden, "challenge verification failed")
		return
	}
	issuer, ok := s.apiKeys.(auth.APIKeyIssuer)
	if !ok {
		Error(w, http.StatusServiceUnavailable, "key issuance unavailable")
		return
	}
	rec, err := issuer.Issue(wallet, body.Label, "registration")
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, rec)
}

func intFromQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func int64FromQuery(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
