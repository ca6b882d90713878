package fleetsim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const notifyTopic = "notify"

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	Sessions     []Session
	MaxBodyBytes int64

	// XUpLimit caps x-up submissions per session per XUpWindow. Zero
	// disables the limit.
	XUpLimit  int
	XUpWindow time.Duration

	WriteTimeout time.Duration
	Now          func() time.Time
	Logger       Logger
}

// Server is an in-memory waitlist backend. Commands mutate its state and
// announce the result on the fleet feed; command responses carry no board
// data.
type Server struct {
	cfg         Config
	sessions    map[string]Session
	hub         *hub
	rateLimiter *rateLimiter

	mu          sync.Mutex
	fleets      map[string]*fleetState
	entryFleet  map[int64]string
	nextEntryID int64
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type validationError struct {
	message string
	fields  map[string][]string
}

func (e *validationError) Error() string {
	return e.message
}

func NewServer(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.XUpLimit < 0 {
		cfg.XUpLimit = 0
	}
	if cfg.XUpWindow <= 0 {
		cfg.XUpWindow = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.XUpLimit > 0 {
		limiter = &rateLimiter{
			window:  cfg.XUpWindow,
			max:     cfg.XUpLimit,
			entries: map[string]rateEntry{},
		}
	}
	sessions := make(map[string]Session, len(cfg.Sessions))
	for _, session := range cfg.Sessions {
		sessions[session.ID] = session
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		hub:         newHub(),
		rateLimiter: limiter,
		fleets:      map[string]*fleetState{},
		entryFleet:  map[int64]string{},
		nextEntryID: 1,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/ws/user/notify/" && r.Method == http.MethodGet {
		s.handleNotifyFeed(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "ws" && parts[1] == "fleet" && r.Method == http.MethodGet:
		s.handleFleetFeed(w, r, parts[2])
	case len(parts) == 2 && parts[0] == "fleet" && r.Method == http.MethodGet:
		s.handleBoardPage(w, r, parts[1], correlationID)
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "fleet" && parts[3] == "dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "fleet" && parts[3] == "xup" && r.Method == http.MethodPost:
		s.handleXUp(w, r, parts[2], correlationID)
	case len(parts) == 5 && parts[0] == "api" && parts[1] == "fleet" && parts[2] == "action" && r.Method == http.MethodPost:
		s.handleAction(w, r, parts[3], parts[4], correlationID)
	case len(parts) == 5 && parts[0] == "api" && parts[1] == "fleet" && parts[2] == "entry" && parts[4] == "update" && r.Method == http.MethodPost:
		s.handleUpdateEntry(w, r, parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, token, correlationID string) {
	session, authErr := s.authorize(r, "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	payload, err := s.dashboardFor(token, session)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, rawID, action, correlationID string) {
	if _, authErr := s.authorize(r, "waitlist_manage"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	entryID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "entry not found", correlationID)
		return
	}
	if err := s.applyAction(entryID, action); err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleXUp(w http.ResponseWriter, r *http.Request, token, correlationID string) {
	session, authErr := s.authorize(r, "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body", correlationID)
		return
	}
	fit, ok := parseEFT(r.FormValue("eft"))
	if !ok {
		s.writeStateError(w, &validationError{
			message: "invalid fit",
			fields:  map[string][]string{"eft": {"expected an EFT block starting with [Hull, Name]"}},
		}, correlationID)
		return
	}
	var alts []int64
	for _, raw := range r.MultipartForm.Value["alts"] {
		alt, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			s.writeStateError(w, &validationError{
				message: "invalid alt",
				fields:  map[string][]string{"alts": {"must be character ids"}},
			}, correlationID)
			return
		}
		alts = append(alts, alt)
	}

	if s.rateLimiter != nil {
		remaining, resetAt, allowed := s.rateLimiter.allow(session.ID, s.cfg.Now())
		s.publishRateLimit(session.ID, "xup", remaining, resetAt)
		if !allowed {
			retry := int(resetAt.Sub(s.cfg.Now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many x-up requests", correlationID)
			return
		}
	}

	ids, err := s.xUp(token, session, fit, strings.TrimSpace(r.FormValue("comment")), alts)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entries": len(ids)})
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	if _, authErr := s.authorize(r, "waitlist_manage"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	entryID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "entry not found", correlationID)
		return
	}
	var fields map[string]json.RawMessage
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	if err := s.updateEntry(entryID, fields); err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFleetFeed(w http.ResponseWriter, r *http.Request, token string) {
	session, authErr := s.authorize(r, "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.mu.Lock()
	_, ok := s.fleets[token]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "fleet not found", getCorrelationID(r))
		return
	}
	s.serveFeed(w, r, fleetTopic(token), session.ID)
}

func (s *Server) handleNotifyFeed(w http.ResponseWriter, r *http.Request) {
	session, authErr := s.authorize(r, "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.serveFeed(w, r, notifyTopic, session.ID)
}

// serveFeed upgrades the request and pumps hub messages to the socket until
// either side goes away. Client-to-server frames are not part of the
// protocol and are discarded.
func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request, topic, sessionID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("fleetsim: websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.subscribe(topic, sessionID)
	defer s.hub.unsubscribe(sub)
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.dropped:
			_ = conn.Close(websocket.StatusGoingAway, "feed dropped")
			return
		case msg := <-sub.send:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) publishRateLimit(sessionID, bucket string, remaining int, resetAt time.Time) {
	payload, err := json.Marshal(map[string]any{
		"type": "rate_limit",
		"buckets": map[string]any{
			bucket: map[string]any{
				"limit":     s.cfg.XUpLimit,
				"remaining": remaining,
				"reset_at":  resetAt.UnixMilli(),
			},
		},
	})
	if err != nil {
		return
	}
	s.hub.publish(notifyTopic, sessionID, payload)
}

func (s *Server) writeStateError(w http.ResponseWriter, err error, correlationID string) {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         vErr.message,
			"fields":        vErr.fields,
			"correlationId": correlationID,
		})
	case errors.Is(err, ErrFleetNotFound):
		writeError(w, http.StatusNotFound, "not_found", "fleet not found", correlationID)
	case errors.Is(err, ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", "entry not found", correlationID)
	default:
		s.logf("fleetsim: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// allow counts one request against key's fixed window and reports what is
// left of it.
func (r *rateLimiter) allow(key string, now time.Time) (int, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = rateEntry{count: 1, resetAt: now.Add(r.window)}
		r.entries[key] = entry
		return r.max - 1, entry.resetAt, true
	}
	if entry.count >= r.max {
		return 0, entry.resetAt, false
	}
	entry.count++
	r.entries[key] = entry
	return r.max - entry.count, entry.resetAt, true
}
