package notify

import (
	"errors"
	"testing"

	"github.com/agentworkforce/fleetboard/internal/channel"
)

func TestApplyReplacesNamedBucketsWholesale(t *testing.T) {
	s := NewStore(nil)
	if err := s.Apply([]byte(`{"type":"rate_limit","buckets":{"xup":{"limit":5,"remaining":4,"reset_at":1000},"invite":{"limit":10,"remaining":10,"reset_at":2000}}}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply([]byte(`{"type":"rate_limit","buckets":{"xup":{"limit":5,"remaining":0}}}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	xup, ok := s.Bucket("xup")
	if !ok {
		t.Fatalf("expected xup bucket")
	}
	if xup.Remaining != 0 || xup.ResetAt != 0 {
		t.Fatalf("expected xup replaced wholesale, got %+v", xup)
	}
	invite, _ := s.Bucket("invite")
	if invite.Remaining != 10 || invite.ResetAt != 2000 {
		t.Fatalf("expected invite untouched, got %+v", invite)
	}
	names := s.Names()
	if len(names) != 2 || names[0] != "invite" || names[1] != "xup" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestApplyRejectsUnknownAndMalformed(t *testing.T) {
	s := NewStore(nil)
	if err := s.Apply([]byte(`{"type":"chat"}`)); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected unknown frame, got %v", err)
	}
	if err := s.Apply([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if len(s.Names()) != 0 {
		t.Fatalf("expected no buckets")
	}
}

func TestHandleChannelEventTracksConnection(t *testing.T) {
	s := NewStore(nil)
	s.HandleChannelEvent(channel.Event{Key: Key, Kind: channel.EventConnected})
	if !s.Connected() {
		t.Fatalf("expected connected")
	}
	s.HandleChannelEvent(channel.Event{Key: Key, Kind: channel.EventMessage, Payload: []byte(`garbage`)})
	s.HandleChannelEvent(channel.Event{Key: Key, Kind: channel.EventMessage, Payload: []byte(`{"type":"rate_limit","buckets":{"x":{"limit":1,"remaining":1}}}`)})
	if _, ok := s.Bucket("x"); !ok {
		t.Fatalf("expected bucket after malformed frame was dropped")
	}
	s.HandleChannelEvent(channel.Event{Key: Key, Kind: channel.EventDisconnected})
	if s.Connected() {
		t.Fatalf("expected disconnected")
	}
	if _, ok := s.Bucket("x"); !ok {
		t.Fatalf("expected buckets retained across disconnect")
	}
}
