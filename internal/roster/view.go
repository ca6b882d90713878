package roster

import (
	"encoding/json"
	"slices"
)

// View is the client-side replica of one fleet's waitlist. It is owned by a
// single goroutine; callers that share it must serialize access.
type View struct {
	Fleet       Fleet
	Columns     *Columns
	Overview    *Overview
	Permissions Permissions
	UserStatus  json.RawMessage
	UserChars   []Pilot
	Status      Status
}

func NewView() *View {
	return &View{
		Columns:     NewColumns(),
		Permissions: Permissions{},
	}
}

// NewViewFromDashboard builds a view from a snapshot. Columns are rebuilt
// through Insert so the ordering and uniqueness invariants hold even if the
// payload does not respect them.
func NewViewFromDashboard(d Dashboard) *View {
	v := NewView()
	v.Fleet = d.Fleet
	if d.Permissions != nil {
		v.Permissions = d.Permissions
	}
	v.UserStatus = d.UserStatus
	v.UserChars = slices.Clone(d.UserChars)
	v.Columns = columnsFromPayload(d.Columns)
	return v
}

func columnsFromPayload(payload map[Category][]Entry) *Columns {
	cols := NewColumns()
	for _, cat := range Categories {
		for _, e := range payload[cat] {
			cols.RemoveByID(e.ID)
			cols.Insert(cat, e)
		}
	}
	return cols
}

type Snapshot struct {
	Fleet       Fleet                `json:"fleet"`
	Columns     map[Category][]Entry `json:"columns"`
	Overview    *Overview            `json:"overview,omitempty"`
	Permissions Permissions          `json:"permissions"`
	UserChars   []Pilot              `json:"user_chars"`
	Status      Status               `json:"status"`
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (v *View) Snapshot() Snapshot {
	cols := v.Columns.Clone()
	out := Snapshot{
		Fleet:       v.Fleet.clone(),
		Columns:     make(map[Category][]Entry, len(Categories)),
		Overview:    v.Overview.clone(),
		Permissions: Permissions{},
		UserChars:   slices.Clone(v.UserChars),
		Status:      v.Status,
	}
	for _, cat := range Categories {
		out.Columns[cat] = cols.lists[cat]
	}
	for name, granted := range v.Permissions {
		out.Permissions[name] = granted
	}
	return out
}
