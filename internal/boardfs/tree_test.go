package boardfs

import (
	"encoding/json"
	"testing"

	"github.com/agentworkforce/fleetboard/internal/board"
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/roster"
)

type staticSource struct {
	snap  roster.Snapshot
	ok    bool
	phase board.Phase
	conn  channel.State
}

func (s staticSource) Snapshot() (roster.Snapshot, bool) { return s.snap, s.ok }
func (s staticSource) Phase() board.Phase                { return s.phase }
func (s staticSource) ConnState() channel.State          { return s.conn }

func TestBuildWithoutViewOnlyHasStatus(t *testing.T) {
	tree, err := Build(staticSource{phase: board.PhaseNotFound, conn: channel.StateIdle})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(tree.Files) != 1 || tree.Files[0].Name != "status.json" {
		t.Fatalf("expected only status.json, got %+v", tree.Files)
	}
	if len(tree.Dirs) != 0 {
		t.Fatalf("expected no category directories, got %v", tree.Dirs)
	}
	var status statusFile
	if err := json.Unmarshal(tree.Files[0].Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Phase != board.PhaseNotFound {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestBuildNamesEntriesByPosition(t *testing.T) {
	view := roster.NewView()
	view.Fleet = roster.Fleet{ID: 1, Name: "Home"}
	view.Columns.Insert(roster.CategoryLogi, roster.Entry{ID: 40, Character: roster.Pilot{ID: 5}, CreatedAt: 20})
	view.Columns.Insert(roster.CategoryLogi, roster.Entry{ID: 7, CreatedAt: 10})
	view.Columns.Insert(roster.CategorySniper, roster.Entry{ID: 41, Character: roster.Pilot{ID: 5}, CreatedAt: 30})
	view.Overview = &roster.Overview{MemberCount: 12}
	view.Status.Error = "fleet is full"

	tree, err := Build(staticSource{snap: view.Snapshot(), ok: true, phase: board.PhaseReady, conn: channel.StateConnected})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := tree.file("fleet.json"); !ok {
		t.Fatalf("expected fleet.json")
	}
	if _, ok := tree.file("overview.json"); !ok {
		t.Fatalf("expected overview.json")
	}
	logi := tree.Dirs[roster.CategoryLogi]
	if len(logi) != 2 || logi[0].Name != "001-7.json" || logi[1].Name != "002-40.json" {
		t.Fatalf("unexpected logi files %+v", logi)
	}
	if _, ok := tree.Dirs[roster.CategoryPending]; !ok {
		t.Fatalf("expected empty category directories to exist")
	}
	f, ok := tree.dirFile(roster.CategoryLogi, "002-40.json")
	if !ok {
		t.Fatalf("expected lookup by name")
	}
	var entry entryFile
	if err := json.Unmarshal(f.Data, &entry); err != nil || entry.ID != 40 {
		t.Fatalf("unexpected entry file %s: %v", f.Data, err)
	}
	if len(entry.Siblings) != 1 || entry.Siblings[0] != roster.CategorySniper {
		t.Fatalf("expected sniper sibling for pilot 5, got %v", entry.Siblings)
	}
	status, _ := tree.file("status.json")
	var decoded statusFile
	_ = json.Unmarshal(status.Data, &decoded)
	if decoded.Error != "fleet is full" || decoded.Connection != channel.StateConnected {
		t.Fatalf("unexpected status %+v", decoded)
	}
}

func TestEntryFileName(t *testing.T) {
	if got := EntryFileName(0, 12); got != "001-12.json" {
		t.Fatalf("expected 001-12.json, got %s", got)
	}
	if got := EntryFileName(999, 1); got != "1000-1.json" {
		t.Fatalf("expected 1000-1.json, got %s", got)
	}
}
