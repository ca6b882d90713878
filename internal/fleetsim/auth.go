package fleetsim

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

const (
	sessionCookie = "sessionid"
	csrfCookie    = "csrftoken"
	csrfHeader    = "X-CSRFToken"
)

type Session struct {
	ID          string
	CSRFToken   string
	Pilot       roster.Pilot
	Permissions []string
}

func (s Session) has(permission string) bool {
	for _, p := range s.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorize resolves the session cookie and, for unsafe methods, checks the
// CSRF header against the session's token.
func (s *Server) authorize(r *http.Request, permission string) (Session, *authError) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Session{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "authentication required"}
	}
	session, ok := s.sessions[cookie.Value]
	if !ok {
		return Session{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "unknown session"}
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		token := r.Header.Get(csrfHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(session.CSRFToken)) != 1 {
			return Session{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "csrf verification failed"}
		}
	}
	if permission != "" && !session.has(permission) {
		return Session{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing permission: " + permission}
	}
	return session, nil
}
