package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/fleetboard/internal/fleetsim"
	"github.com/agentworkforce/fleetboard/internal/roster"
)

func main() {
	addr := os.Getenv("FLEETSIM_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	sessions, err := parseSessions(envOrDefault("FLEETSIM_SESSIONS", "dev-session:dev-csrf:1:Dev Pilot:manage"))
	if err != nil {
		log.Fatalf("invalid FLEETSIM_SESSIONS: %v", err)
	}

	server := fleetsim.NewServer(fleetsim.Config{
		Sessions:     sessions,
		MaxBodyBytes: int64Env("FLEETSIM_MAX_BODY_BYTES", 0),
		XUpLimit:     intEnv("FLEETSIM_XUP_LIMIT", 5),
		XUpWindow:    durationEnv("FLEETSIM_XUP_WINDOW", time.Minute),
		WriteTimeout: durationEnv("FLEETSIM_WRITE_TIMEOUT", 5*time.Second),
		Logger:       log.Default(),
	})
	for _, token := range strings.Split(envOrDefault("FLEETSIM_FLEETS", "demo"), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		server.AddFleet(token, roster.Fleet{Name: token, Visible: true})
		log.Printf("fleet %s: http://localhost%s/fleet/%s/", token, addr, token)
	}

	log.Printf("fleetsim listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// parseSessions reads comma-separated "session:csrf:pilotID:name[:manage]"
// records.
func parseSessions(raw string) ([]fleetsim.Session, error) {
	var sessions []fleetsim.Session
	for _, record := range strings.Split(raw, ",") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.Split(record, ":")
		if len(fields) < 4 || len(fields) > 5 {
			return nil, fmt.Errorf("session %q: expected session:csrf:pilotID:name[:manage]", record)
		}
		pilotID, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session %q: invalid pilot id: %w", record, err)
		}
		session := fleetsim.Session{
			ID:          fields[0],
			CSRFToken:   fields[1],
			Pilot:       roster.Pilot{ID: pilotID, Name: fields[3]},
			Permissions: []string{"waitlist_view"},
		}
		if len(fields) == 5 {
			if fields[4] != "manage" {
				return nil, fmt.Errorf("session %q: unknown flag %q", record, fields[4])
			}
			session.Permissions = append(session.Permissions, "waitlist_manage")
		}
		sessions = append(sessions, session)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("at least one session is required")
	}
	return sessions, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
