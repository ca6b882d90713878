package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/roster"
)

const (
	Key            = "notify"
	FrameRateLimit = "rate_limit"
)

var ErrUnknownFrame = errors.New("unknown notification frame")

type Bucket struct {
	Limit     int              `json:"limit"`
	Remaining int              `json:"remaining"`
	ResetAt   roster.Timestamp `json:"reset_at"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// Store holds the latest rate-limit buckets reported for the signed-in
// user. A frame replaces each named bucket wholesale; buckets not named in
// a frame are left as they were.
type Store struct {
	logger Logger

	mu        sync.RWMutex
	buckets   map[string]Bucket
	connected bool
}

func NewStore(logger Logger) *Store {
	return &Store{logger: logger, buckets: map[string]Bucket{}}
}

func (s *Store) HandleChannelEvent(ev channel.Event) {
	switch ev.Kind {
	case channel.EventConnected:
		s.setConnected(true)
	case channel.EventDisconnected:
		s.setConnected(false)
	case channel.EventMessage:
		if err := s.Apply(ev.Payload); err != nil {
			s.logf("notify: dropping frame: %v", err)
		}
	}
}

func (s *Store) Apply(raw []byte) error {
	var frame struct {
		Type    string            `json:"type"`
		Buckets map[string]Bucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if frame.Type != FrameRateLimit {
		return fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, bucket := range frame.Buckets {
		s.buckets[name] = bucket
	}
	return nil
}

func (s *Store) Bucket(name string) (Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	return b, ok
}

// Names returns bucket names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
