package fleetsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

var (
	ErrFleetNotFound = errors.New("fleet not found")
	ErrEntryNotFound = errors.New("entry not found")
)

type fleetState struct {
	token    string
	fleet    roster.Fleet
	columns  *roster.Columns
	overview *roster.Overview
}

// frame is the wire shape of every fleet feed message.
type frame struct {
	Type      string          `json:"type"`
	Action    roster.Action   `json:"action,omitempty"`
	EntryID   *int64          `json:"entry_id,omitempty"`
	TargetCol roster.Category `json:"target_col,omitempty"`
	Data      any             `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	MemberCount *int              `json:"member_count,omitempty"`
	Summary     map[string]int    `json:"summary,omitempty"`
	Hierarchy   *roster.Hierarchy `json:"hierarchy,omitempty"`
}

func granularFrame(action roster.Action, id int64, target roster.Category, data any) frame {
	return frame{Type: roster.FrameFleetUpdate, Action: action, EntryID: &id, TargetCol: target, Data: data}
}

// AddFleet registers a fleet under token, replacing any fleet already there.
func (s *Server) AddFleet(token string, fleet roster.Fleet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fleet.Token = token
	s.fleets[token] = &fleetState{token: token, fleet: fleet, columns: roster.NewColumns()}
}

// Seed places an entry without broadcasting. A zero ID is assigned.
func (s *Server) Seed(token string, cat roster.Category, entry roster.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fleets[token]
	if !ok {
		return 0, ErrFleetNotFound
	}
	if entry.ID == 0 {
		entry.ID = s.allocEntryID()
	} else if entry.ID >= s.nextEntryID {
		s.nextEntryID = entry.ID + 1
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = roster.Timestamp(s.cfg.Now().UnixMilli())
	}
	fs.columns.RemoveByID(entry.ID)
	fs.columns.Insert(cat, entry)
	s.entryFleet[entry.ID] = token
	return entry.ID, nil
}

// SetFleetMeta merges fields into the fleet record and broadcasts a
// fleet_meta update.
func (s *Server) SetFleetMeta(token string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fleets[token]
	if !ok {
		return ErrFleetNotFound
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	next, _, rejected, err := fs.fleet.Merge(patch)
	if err != nil {
		return fmt.Errorf("apply fleet fields: %w", err)
	}
	if len(rejected) > 0 {
		return fmt.Errorf("apply fleet fields: invalid %s", strings.Join(rejected, ", "))
	}
	fs.fleet = next
	fs.fleet.Token = token
	return s.broadcastLocked(token, frame{Type: roster.FrameFleetUpdate, Action: roster.ActionFleetMeta, Data: fields})
}

func (s *Server) PublishOverview(token string, overview roster.Overview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fleets[token]
	if !ok {
		return ErrFleetNotFound
	}
	fs.overview = &overview
	count := overview.MemberCount
	return s.broadcastLocked(token, frame{
		Type:        roster.FrameFleetOverview,
		MemberCount: &count,
		Summary:     overview.Summary,
		Hierarchy:   overview.Hierarchy,
	})
}

// PublishError sends a fleet_error frame without touching state.
func (s *Server) PublishError(token, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastLocked(token, frame{Type: roster.FrameFleetError, Error: message})
}

// PublishRaw sends payload to the fleet feed verbatim.
func (s *Server) PublishRaw(token string, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.publish(fleetTopic(token), "", payload)
}

// DropFleetFeed closes every websocket subscribed to the fleet feed.
func (s *Server) DropFleetFeed(token string) int {
	return s.hub.disconnect(fleetTopic(token))
}

func (s *Server) FleetSubscribers(token string) int {
	return s.hub.count(fleetTopic(token))
}

func (s *Server) NotifySubscribers() int {
	return s.hub.count(notifyTopic)
}

func (s *Server) dashboardFor(token string, session Session) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fleets[token]
	if !ok {
		return nil, ErrFleetNotFound
	}
	columns := make(map[roster.Category][]roster.Entry, len(roster.Categories))
	for _, cat := range roster.Categories {
		columns[cat] = fs.columns.Column(cat)
	}
	var waitlisted []int64
	for _, cat := range roster.Categories {
		for _, e := range columns[cat] {
			if e.Character.ID == session.Pilot.ID {
				waitlisted = append(waitlisted, e.ID)
			}
		}
	}
	return map[string]any{
		"fleet":       fs.fleet,
		"columns":     columns,
		"permissions": session.Permissions,
		"user_status": map[string]any{"waitlisted": waitlisted},
		"user_chars":  []roster.Pilot{session.Pilot},
	}, nil
}

func (s *Server) applyAction(entryID int64, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, fs, err := s.fleetForEntryLocked(entryID)
	if err != nil {
		return err
	}
	cat, entry, _ := fs.columns.FindByID(entryID)

	switch action {
	case "approve":
		if cat != roster.CategoryPending {
			return &validationError{message: "entry is not pending", fields: map[string][]string{"entry": {"already approved"}}}
		}
		target := entry.Category
		if target == "" || target == roster.CategoryPending {
			target = roster.CategoryOther
		}
		entry.Status = "approved"
		fs.columns.RemoveByID(entryID)
		fs.columns.Insert(target, entry)
		return s.broadcastLocked(token, granularFrame(roster.ActionMove, entryID, target, entry))
	case "invite":
		if _, err := fs.columns.ReplaceInPlace(entryID, json.RawMessage(`{"status":"invited"}`)); err != nil {
			return err
		}
		return s.broadcastLocked(token, granularFrame(roster.ActionUpdate, entryID, "", map[string]string{"status": "invited"}))
	case "deny", "remove":
		fs.columns.RemoveByID(entryID)
		delete(s.entryFleet, entryID)
		return s.broadcastLocked(token, granularFrame(roster.ActionRemove, entryID, "", nil))
	default:
		return &validationError{message: "unknown action", fields: map[string][]string{"action": {"unsupported"}}}
	}
}

func (s *Server) updateEntry(entryID int64, fields map[string]json.RawMessage) error {
	invalid := map[string][]string{}
	for key := range fields {
		if key == "id" || key == "category" || key == "character" {
			invalid[key] = []string{"read only"}
		}
	}
	if len(invalid) > 0 {
		return &validationError{message: "invalid update", fields: invalid}
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	token, fs, err := s.fleetForEntryLocked(entryID)
	if err != nil {
		return err
	}
	if _, err := fs.columns.ReplaceInPlace(entryID, patch); err != nil {
		return &validationError{message: "invalid update", fields: map[string][]string{"fields": {err.Error()}}}
	}
	return s.broadcastLocked(token, granularFrame(roster.ActionUpdate, entryID, "", json.RawMessage(patch)))
}

func (s *Server) xUp(token string, session Session, fit parsedFit, comment string, alts []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fleets[token]; !ok {
		return nil, ErrFleetNotFound
	}
	pilots := []roster.Pilot{session.Pilot}
	for _, alt := range alts {
		pilots = append(pilots, roster.Pilot{ID: alt})
	}
	ids := make([]int64, 0, len(pilots))
	for _, pilot := range pilots {
		entry := roster.Entry{
			ID:        s.allocEntryID(),
			Character: pilot,
			Ship:      roster.Hull{Name: fit.hull},
			FitName:   fit.name,
			Category:  categoryForHull(fit.hull),
			Status:    "pending",
			CreatedAt: roster.Timestamp(s.cfg.Now().UnixMilli()),
		}
		if comment != "" {
			entry.Tags = append(entry.Tags, "comment")
		}
		s.fleets[token].columns.Insert(roster.CategoryPending, entry)
		s.entryFleet[entry.ID] = token
		if err := s.broadcastLocked(token, granularFrame(roster.ActionAdd, entry.ID, roster.CategoryPending, entry)); err != nil {
			return ids, err
		}
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

func (s *Server) fleetForEntryLocked(entryID int64) (string, *fleetState, error) {
	token, ok := s.entryFleet[entryID]
	if !ok {
		return "", nil, ErrEntryNotFound
	}
	fs, ok := s.fleets[token]
	if !ok {
		return "", nil, ErrFleetNotFound
	}
	if _, _, found := fs.columns.FindByID(entryID); !found {
		return "", nil, ErrEntryNotFound
	}
	return token, fs, nil
}

func (s *Server) allocEntryID() int64 {
	id := s.nextEntryID
	s.nextEntryID++
	return id
}

func (s *Server) broadcastLocked(token string, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.hub.publish(fleetTopic(token), "", payload)
	return nil
}

type parsedFit struct {
	hull string
	name string
}

// parseEFT reads the "[Hull, Fit name]" header line of an EFT block.
func parseEFT(raw string) (parsedFit, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return parsedFit{}, false
	}
	header := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	if !strings.HasPrefix(header, "[") || !strings.HasSuffix(header, "]") {
		return parsedFit{}, false
	}
	hull, name, _ := strings.Cut(strings.TrimSuffix(strings.TrimPrefix(header, "["), "]"), ",")
	hull = strings.TrimSpace(hull)
	if hull == "" {
		return parsedFit{}, false
	}
	return parsedFit{hull: hull, name: strings.TrimSpace(name)}, true
}

var hullCategories = map[string]roster.Category{
	"guardian":   roster.CategoryLogi,
	"basilisk":   roster.CategoryLogi,
	"oneiros":    roster.CategoryLogi,
	"scimitar":   roster.CategoryLogi,
	"nestor":     roster.CategoryLogi,
	"vindicator": roster.CategoryDPS,
	"kronos":     roster.CategoryDPS,
	"nightmare":  roster.CategoryDPS,
	"megathron":  roster.CategoryDPS,
	"paladin":    roster.CategorySniper,
	"machariel":  roster.CategorySniper,
}

func categoryForHull(hull string) roster.Category {
	if cat, ok := hullCategories[strings.ToLower(strings.TrimSpace(hull))]; ok {
		return cat
	}
	return roster.CategoryOther
}

func fleetTopic(token string) string {
	return "fleet:" + token
}
