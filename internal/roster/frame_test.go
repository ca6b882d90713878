package roster

import (
	"errors"
	"testing"
)

func TestDecodeFrameGranularAdd(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_update","action":"add","entry_id":12,"target_col":"logi","data":{"id":12,"character":{"id":3,"name":"Kai"},"created_at":"2024-05-01T10:00:00Z"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	g, ok := ev.(Granular)
	if !ok {
		t.Fatalf("expected Granular, got %T", ev)
	}
	if g.Action != ActionAdd || g.EntryID != 12 || g.Target != CategoryLogi {
		t.Fatalf("unexpected granular event %+v", g)
	}

	v := NewView()
	v.Apply(g)
	_, entry, found := v.Columns.FindByID(12)
	if !found {
		t.Fatalf("expected entry to be placed")
	}
	if entry.CreatedAt != 1714557600000 {
		t.Fatalf("expected RFC 3339 timestamp in unix ms, got %d", entry.CreatedAt)
	}
}

func TestDecodeFrameStringEntryID(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_update","action":"remove","entry_id":"31"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if g := ev.(Granular); g.EntryID != 31 || g.Action != ActionRemove {
		t.Fatalf("unexpected event %+v", g)
	}
}

func TestDecodeFrameIntegralFloatEntryID(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_update","action":"remove","entry_id":12.0}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if g := ev.(Granular); g.EntryID != 12 {
		t.Fatalf("expected entry 12, got %+v", g)
	}
	if _, err := DecodeFrame([]byte(`{"type":"fleet_update","action":"remove","entry_id":"12.5"}`)); err == nil {
		t.Fatalf("expected fractional entry id to be rejected")
	}
}

func TestDecodeFrameFleetMetaNeedsNoEntryID(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_update","action":"fleet_meta","data":{"name":"Staging"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if g := ev.(Granular); g.Action != ActionFleetMeta {
		t.Fatalf("unexpected event %+v", g)
	}
}

func TestDecodeFrameLegacyFullReplace(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_update","fleet":{"id":1,"name":"Home"},"columns":{"dps":[{"id":4,"created_at":1}]}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	full, ok := ev.(FullReplace)
	if !ok {
		t.Fatalf("expected FullReplace, got %T", ev)
	}
	if full.Fleet == nil || full.Fleet.Name != "Home" || len(full.Columns[CategoryDPS]) != 1 {
		t.Fatalf("unexpected full replace %+v", full)
	}
}

func TestDecodeFrameOverviewAndStatus(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"fleet_overview","member_count":2,"summary":{"Guardian":1},"hierarchy":{"commander":{"character_id":1,"name":"FC"},"wings":[{"id":10,"name":"On Grid","squads":[{"id":20,"name":"Logi","members":[{"character_id":2,"name":"Kai"}]}]}]}}`))
	if err != nil {
		t.Fatalf("decode overview failed: %v", err)
	}
	ov := ev.(OverviewReplace)
	if ov.Overview.MemberCount != 2 || ov.Overview.Hierarchy == nil || len(ov.Overview.Hierarchy.Wings) != 1 {
		t.Fatalf("unexpected overview %+v", ov.Overview)
	}

	ev, err = DecodeFrame([]byte(`{"type":"fleet_error","error":"fleet is closed"}`))
	if err != nil {
		t.Fatalf("decode error frame failed: %v", err)
	}
	if se := ev.(ServerError); se.Message != "fleet is closed" {
		t.Fatalf("unexpected error message %q", se.Message)
	}

	if ev, err = DecodeFrame([]byte(`{"type":"fleet_success"}`)); err != nil {
		t.Fatalf("decode success frame failed: %v", err)
	}
	if _, ok := ev.(ServerSuccess); !ok {
		t.Fatalf("expected ServerSuccess, got %T", ev)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"action":"add"}`,
		"bad action":        `{"type":"fleet_update","action":"teleport","entry_id":1}`,
		"add without data":  `{"type":"fleet_update","action":"add","entry_id":1,"target_col":"dps"}`,
		"add without col":   `{"type":"fleet_update","action":"move","entry_id":1,"data":{}}`,
		"unknown column":    `{"type":"fleet_update","action":"add","entry_id":1,"target_col":"tank","data":{}}`,
		"remove without id": `{"type":"fleet_update","action":"remove"}`,
		"error without msg": `{"type":"fleet_error"}`,
		"array frame":       `[1,2,3]`,
	}
	for name, raw := range cases {
		if _, err := DecodeFrame([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"type":"fleet_party"}`)); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}
}

func TestPermissionsAcceptListOrObject(t *testing.T) {
	var fromList Permissions
	if err := fromList.UnmarshalJSON([]byte(`["fleet-invite","fleet-view"]`)); err != nil {
		t.Fatalf("unmarshal list failed: %v", err)
	}
	if !fromList.Has("fleet-invite") || fromList.Has("fleet-admin") {
		t.Fatalf("unexpected permissions %v", fromList)
	}
	var fromObject Permissions
	if err := fromObject.UnmarshalJSON([]byte(`{"fleet-invite":true,"fleet-admin":false}`)); err != nil {
		t.Fatalf("unmarshal object failed: %v", err)
	}
	if !fromObject.Has("fleet-invite") || fromObject.Has("fleet-admin") {
		t.Fatalf("unexpected permissions %v", fromObject)
	}
}
