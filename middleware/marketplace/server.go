package marketplace

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/ledger"
	"taskmarket-backend/services"
	auth "taskmarket-backend/storage/auth"
)

// Server wires handlers for marketplace endpoints.
type Server struct {
	market      *core.Marketplace
	tokens      *ledger.Ledger
	payments    *services.PaymentService
	apiKeys     auth.APIKeyValidator
	challenges  *auth.ChallengeStore
	events      []core.Event
	eventsMu    sync.Mutex
	listenersMu sync.Mutex
	listeners   []chan core.Event
}

// NewServer builds a Server and subscribes it to marketplace events.
func NewServer(market *core.Marketplace, tokens *ledger.Ledger, payments *services.PaymentService, apiKeys auth.APIKeyValidator, challenges *auth.ChallengeStore) *Server {
	s := &Server{
		market:     market,
		tokens:     tokens,
		payments:   payments,
		apiKeys:    apiKeys,
		challenges: challenges,
	}
	core.RegisterEventSink(s.recordEvent)
	return s
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/challenge", s.handleAuthChallenge)
	mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)
	mux.HandleFunc("/api/marketplace/initialize", s.authWrap(s.handleInitialize))
	mux.HandleFunc("/api/marketplace/config", s.authWrap(s.handleConfig))
	mux.HandleFunc("/api/marketplace/fee", s.authWrap(s.handleFee))
	mux.HandleFunc("/api/marketplace/tasks", s.authWrap(s.handleTasks))
	mux.HandleFunc("/api/marketplace/tasks/", s.authWrap(s.handleTasks))
	mux.HandleFunc("/api/marketplace/events", s.authWrap(s.handleEvents))
	mux.HandleFunc("/api/marketplace/balance", s.authWrap(s.handleBalance))
	mux.HandleFunc("/api/marketplace/funding-qr", s.authWrap(s.handleFundingQR))
	mux.HandleFunc("/api/marketplace/stats", s.authWrap(s.handleStats))
}

// authWrap enforces API key auth and binds the key's wallet identity to the
// request context.
func (s *Server) authWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeys == nil {
			next(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			header := r.Header.Get("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				key = strings.TrimPrefix(header, "Bearer ")
			}
		}
		rec, ok := s.apiKeys.Get(key)
		if key == "" || !ok {
			Error(w, http.StatusForbidden, "invalid api key")
			return
		}
		if rec.Wallet != "" {
			r = r.WithContext(auth.WithCaller(r.Context(), rec.Wallet))
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordEvent appends an event to the in-memory log with a small bounded buffer.
func (s *Server) recordEvent(evt core.Event) {
	const maxEvents = 200
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	s.eventsMu.Lock()
	s.events = append([]core.Event{evt}, s.events...)
	if len(s.events) > maxEvents {
		s.events = s.events[:maxEvents]
	}
	s.eventsMu.Unlock()
	s.broadcastEvent(evt)
}

func (s *Server) broadcastEvent(evt core.Event) {
	s.listenersMu.Lock()
	listeners := append([]chan core.Event{}, s.listeners...)
	s.listenersMu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
			// Slow listener, drop rather than block the publisher.
		}
	}
}

func (s *Server) removeListener(target chan core.Event) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, ch := range s.listeners {
		if ch == target {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func eventMatches(evt core.Event, filterType, filterActor string) bool {
	if filterType != "" && !strings.EqualFold(evt.Type, filterType) {
		return false
	}
	if filterActor != "" && !strings.EqualFold(evt.Actor, filterActor) {
		return false
	}
	return true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filterType := strings.TrimSpace(r.URL.Query().Get("type"))
	filterActor := strings.TrimSpace(r.URL.Query().Get("actor"))

	// SSE support
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		flusher, ok := w.(http.Flusher)
		if !ok {
			Error(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Send recent buffer first
		s.eventsMu.Lock()
		initial := make([]core.Event, len(s.events))
		copy(initial, s.events)
		s.eventsMu.Unlock()
		for i := len(initial) - 1; i >= 0; i-- { // oldest first
			if !eventMatches(initial[i], filterType, filterActor) {
				continue
			}
			b, _ := json.Marshal(initial[i])
			w.Write([]byte("event: marketplace\n"))
			w.Write([]byte("data: " + string(b) + "\n\n"))
		}
		flusher.Flush()

		ch := make(chan core.Event, 10)
		s.listenersMu.Lock()
		s.listeners = append(s.listeners, ch)
		s.listenersMu.Unlock()

		notify := r.Context().Done()
		for {
			select {
			case <-notify:
				s.removeListener(ch)
				return
			case evt := <-ch:
				if !eventMatches(evt, filterType, filterActor) {
					continue
				}
				b, _ := json.Marshal(evt)
				w.Write([]byte("event: marketplace\n"))
				w.Write([]byte("data: " + string(b) + "\n\n"))
				flusher.Flush()
			}
		}
	}

	limit := intFromQuery(r, "limit", 50)
	if limit < 0 {
		limit = 0
	}
	s.eventsMu.Lock()
	events := make([]core.Event, len(s.events))
	copy(events, s.events)
	s.eventsMu.Unlock()

	filtered := make([]core.Event, 0, len(events))
	for _, evt := range events {
		if len(filtered) >= limit {
			break
		}
		if !eventMatches(evt, filterType, filterActor) {
			continue
		}
		filtered = append(filtered, evt)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"events": filtered,
		"count":  len(filtered),
	})
}
