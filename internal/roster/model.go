package roster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryPending Category = "pending"
	CategoryLogi    Category = "logi"
	CategoryDPS     Category = "dps"
	CategorySniper  Category = "sniper"
	CategoryOther   Category = "other"
)

// Categories is the canonical column order.
var Categories = []Category{CategoryPending, CategoryLogi, CategoryDPS, CategorySniper, CategoryOther}

func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Timestamp is the logical ordering key of an entry. It is carried as Unix
// milliseconds and decodes from either a JSON number or an RFC 3339 string.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*t = 0
			return nil
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*t = Timestamp(n)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", raw, err)
		}
		*t = Timestamp(parsed.UnixMilli())
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*t = Timestamp(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*t = Timestamp(int64(f))
	return nil
}

type Pilot struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Corporation string `json:"corporation,omitempty"`
}

type Hull struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Entry struct {
	ID         int64           `json:"id"`
	Character  Pilot           `json:"character"`
	Ship       Hull            `json:"ship"`
	FitName    string          `json:"fit_name"`
	Category   Category        `json:"category"`
	Status     string          `json:"status"`
	CreatedAt  Timestamp       `json:"created_at"`
	Tier       string          `json:"tier,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Compliance json.RawMessage `json:"compliance,omitempty"`
}

type Commander struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Fleet struct {
	ID         int64      `json:"id"`
	Token      string     `json:"token,omitempty"`
	Name       string     `json:"name"`
	Commander  *Commander `json:"commander,omitempty"`
	BossID     int64      `json:"boss_id,omitempty"`
	ESIFleetID int64      `json:"esi_fleet_id,omitempty"`
	Visible    bool       `json:"visible"`
	Location   string     `json:"location,omitempty"`
	Comms      string     `json:"comms,omitempty"`

	// Extra carries fleet keys this type does not model, verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

var fleetKeys = map[string]bool{
	"id": true, "token": true, "name": true, "commander": true, "boss_id": true,
	"esi_fleet_id": true, "visible": true, "location": true, "comms": true,
}

type fleetFields Fleet

func (f *Fleet) UnmarshalJSON(data []byte) error {
	var fields fleetFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Fleet(fields)
	f.Extra = nil
	for key, value := range raw {
		if fleetKeys[key] {
			continue
		}
		if f.Extra == nil {
			f.Extra = map[string]json.RawMessage{}
		}
		f.Extra[key] = slices.Clone(value)
	}
	return nil
}

func (f Fleet) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(fleetFields(f))
	if err != nil || len(f.Extra) == 0 {
		return data, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range f.Extra {
		if !fleetKeys[key] {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func (f Fleet) clone() Fleet {
	if f.Commander != nil {
		commander := *f.Commander
		f.Commander = &commander
	}
	if f.Extra != nil {
		extra := make(map[string]json.RawMessage, len(f.Extra))
		for key, value := range f.Extra {
			extra[key] = slices.Clone(value)
		}
		f.Extra = extra
	}
	return f
}

// Merge returns f with patch shallow-merged into it one key at a time. A
// key whose value does not decode into its modelled field is skipped and
// reported in rejected; the remaining keys still apply.
func (f Fleet) Merge(patch json.RawMessage) (merged Fleet, applied, rejected []string, err error) {
	if len(bytes.TrimSpace(patch)) == 0 {
		return f.clone(), nil, nil, nil
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return f, nil, nil, err
	}
	current, err := json.Marshal(f)
	if err != nil {
		return f, nil, nil, err
	}
	base := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &base); err != nil {
		return f, nil, nil, err
	}

	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		single, err := json.Marshal(map[string]json.RawMessage{key: overlay[key]})
		if err != nil {
			rejected = append(rejected, key)
			continue
		}
		var check fleetFields
		if err := json.Unmarshal(single, &check); err != nil {
			rejected = append(rejected, key)
			continue
		}
		base[key] = overlay[key]
		applied = append(applied, key)
	}

	data, err := json.Marshal(base)
	if err != nil {
		return f, nil, nil, err
	}
	if err := json.Unmarshal(data, &merged); err != nil {
		return f, nil, nil, err
	}
	return merged, applied, rejected, nil
}

type Member struct {
	CharacterID int64  `json:"character_id"`
	Name        string `json:"name"`
	Hull        string `json:"ship,omitempty"`
	Role        string `json:"role,omitempty"`
}

type Squad struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Commander *Member  `json:"commander,omitempty"`
	Members   []Member `json:"members"`
}

type Wing struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Commander *Member `json:"commander,omitempty"`
	Squads    []Squad `json:"squads"`
}

type Hierarchy struct {
	Commander *Member `json:"commander,omitempty"`
	Wings     []Wing  `json:"wings"`
}

// Overview is replaced wholesale on every fleet_overview frame.
type Overview struct {
	MemberCount int            `json:"member_count"`
	Summary     map[string]int `json:"summary,omitempty"`
	Hierarchy   *Hierarchy     `json:"hierarchy,omitempty"`
}

func (o *Overview) clone() *Overview {
	if o == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	var out Overview
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Status is transient, non-fatal server feedback. It never affects placement.
type Status struct {
	Error     string `json:"error,omitempty"`
	Succeeded bool   `json:"succeeded,omitempty"`
}

type Permissions map[string]bool

// UnmarshalJSON accepts either a list of capability names or an object of
// capability flags.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	out := Permissions{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = out
		return nil
	}
	if data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return err
		}
		for _, name := range names {
			out[name] = true
		}
		*p = out
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	for name, granted := range flags {
		out[name] = granted
	}
	*p = out
	return nil
}

func (p Permissions) Has(name string) bool {
	return p[name]
}

// Dashboard is the authoritative full-state payload used to bootstrap a view.
type Dashboard struct {
	Fleet       Fleet                `json:"fleet"`
	Columns     map[Category][]Entry `json:"columns"`
	Permissions Permissions          `json:"permissions"`
	UserStatus  json.RawMessage      `json:"user_status,omitempty"`
	UserChars   []Pilot              `json:"user_chars"`
}
