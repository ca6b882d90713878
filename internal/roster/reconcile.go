package roster

import (
	"encoding/json"
	"strings"
)

type EffectKind string

const (
	EffectRemoved         EffectKind = "removed"
	EffectPlaced          EffectKind = "placed"
	EffectUpdated         EffectKind = "updated"
	EffectFleetPatched    EffectKind = "fleet_patched"
	EffectOverviewReplace EffectKind = "overview_replaced"
	EffectFullReplace     EffectKind = "full_replaced"
	EffectServerError     EffectKind = "server_error"
	EffectServerSuccess   EffectKind = "server_success"
	EffectIgnored         EffectKind = "ignored"
)

// Effect reports what a single Apply did to the view.
type Effect struct {
	Kind         EffectKind
	EntryID      int64
	From         Category
	To           Category
	ErrorCleared bool
	Legacy       bool
	Reason       string
}

// Apply folds one event into the view. It never blocks and never fails:
// events that cannot be applied leave the view untouched and report
// EffectIgnored.
// A success flag only lasts until the next applied event.
func (v *View) Apply(ev Event) Effect {
	var effect Effect
	switch e := ev.(type) {
	case Granular:
		effect = v.applyGranular(e)
	case FullReplace:
		effect = v.applyFullReplace(e)
	case OverviewReplace:
		overview := e.Overview
		v.Overview = &overview
		effect = Effect{Kind: EffectOverviewReplace, ErrorCleared: v.clearError()}
	case ServerError:
		v.Status.Error = e.Message
		effect = Effect{Kind: EffectServerError, Reason: e.Message}
	case ServerSuccess:
		v.Status.Succeeded = true
		return Effect{Kind: EffectServerSuccess}
	default:
		return Effect{Kind: EffectIgnored, Reason: "unsupported event"}
	}
	if effect.Kind != EffectIgnored {
		v.Status.Succeeded = false
	}
	return effect
}

func (v *View) applyGranular(e Granular) Effect {
	switch e.Action {
	case ActionRemove:
		cat, _, found := v.Columns.FindByID(e.EntryID)
		if !found {
			return Effect{Kind: EffectIgnored, EntryID: e.EntryID, Reason: "entry not present"}
		}
		v.Columns.RemoveByID(e.EntryID)
		return Effect{Kind: EffectRemoved, EntryID: e.EntryID, From: cat}

	case ActionAdd, ActionMove:
		var entry Entry
		if err := json.Unmarshal(e.Data, &entry); err != nil {
			return Effect{Kind: EffectIgnored, EntryID: e.EntryID, Reason: "invalid entry data: " + err.Error()}
		}
		entry.ID = e.EntryID
		from, _, _ := v.Columns.FindByID(e.EntryID)
		v.Columns.RemoveByID(e.EntryID)
		v.Columns.Insert(e.Target, entry)
		return Effect{Kind: EffectPlaced, EntryID: e.EntryID, From: from, To: e.Target, ErrorCleared: v.clearError()}

	case ActionUpdate:
		ok, err := v.Columns.ReplaceInPlace(e.EntryID, e.Data)
		if err != nil {
			return Effect{Kind: EffectIgnored, EntryID: e.EntryID, Reason: "invalid entry data: " + err.Error()}
		}
		if !ok {
			return Effect{Kind: EffectIgnored, EntryID: e.EntryID, Reason: "entry not present"}
		}
		cat, _, _ := v.Columns.FindByID(e.EntryID)
		return Effect{Kind: EffectUpdated, EntryID: e.EntryID, From: cat, To: cat}

	case ActionFleetMeta:
		next, applied, rejected, err := v.Fleet.Merge(e.Data)
		if err != nil {
			return Effect{Kind: EffectIgnored, Reason: "invalid fleet data: " + err.Error()}
		}
		effect := Effect{Kind: EffectFleetPatched}
		if len(rejected) > 0 {
			effect.Reason = "skipped invalid fleet fields: " + strings.Join(rejected, ", ")
			if len(applied) == 0 {
				effect.Kind = EffectIgnored
				return effect
			}
		}
		v.Fleet = next
		effect.ErrorCleared = v.clearError()
		return effect

	default:
		return Effect{Kind: EffectIgnored, EntryID: e.EntryID, Reason: "unknown action " + string(e.Action)}
	}
}

// applyFullReplace handles the legacy whole-board shape. Only the parts
// present in the event are replaced.
func (v *View) applyFullReplace(e FullReplace) Effect {
	if e.Fleet == nil && e.Columns == nil {
		return Effect{Kind: EffectIgnored, Legacy: true, Reason: "empty full replace"}
	}
	if e.Fleet != nil {
		v.Fleet = *e.Fleet
	}
	if e.Columns != nil {
		v.Columns = columnsFromPayload(e.Columns)
	}
	return Effect{Kind: EffectFullReplace, Legacy: true}
}

func (v *View) clearError() bool {
	if v.Status.Error == "" {
		return false
	}
	v.Status.Error = ""
	return true
}
