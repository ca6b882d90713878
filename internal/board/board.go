package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fleetboard/internal/archive"
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/fleetapi"
	"github.com/agentworkforce/fleetboard/internal/roster"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrStale    = errors.New("board generation changed during bootstrap")
	ErrNoToken  = errors.New("fleet token is required")
	ErrNotReady = errors.New("board has no view")
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLoading  Phase = "loading"
	PhaseReady    Phase = "ready"
	PhaseNotFound Phase = "not_found"
	PhaseFailed   Phase = "failed"
)

type SnapshotSource interface {
	Dashboard(ctx context.Context, token string) (roster.Dashboard, error)
}

// Channel is the subset of channel.Multiplexer the board drives.
type Channel interface {
	Open(key, address string) error
	Close(key string)
	Current(ev channel.Event) bool
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Token      string
	Key        string
	ChannelURL string

	Source  SnapshotSource
	Channel Channel

	// Archive receives a last-known-good copy on bootstrap, disconnect and
	// teardown. Nil disables archiving.
	Archive archive.Backend

	Registerer prometheus.Registerer
	Logger     Logger
	Now        func() time.Time
}

// Board is one fleet's live roster: a snapshot-seeded view kept current by
// the frames of a single streaming channel.
type Board struct {
	opts    Options
	metrics *metrics

	mu      sync.RWMutex
	gen     uint64
	phase   Phase
	conn    channel.State
	lastErr error
	view    *roster.View
}

func New(opts Options) (*Board, error) {
	opts.Token = strings.TrimSpace(opts.Token)
	if opts.Token == "" {
		return nil, ErrNoToken
	}
	if opts.Source == nil || opts.Channel == nil {
		return nil, fmt.Errorf("board requires a snapshot source and a channel")
	}
	if strings.TrimSpace(opts.Key) == "" {
		opts.Key = "fleet:" + opts.Token
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m, err := newMetrics(opts.Registerer, opts.Key)
	if err != nil {
		return nil, err
	}
	return &Board{
		opts:    opts,
		metrics: m,
		phase:   PhaseIdle,
		conn:    channel.StateIdle,
	}, nil
}

func (b *Board) Key() string {
	return b.opts.Key
}

// Bootstrap fetches a fresh snapshot and, only once it has been applied,
// opens the streaming channel. Any channel already open for this board is
// closed first so no delta can land on a view that is about to be replaced.
// A fetch that completes after a Teardown or a newer Bootstrap is discarded
// and reported as ErrStale.
func (b *Board) Bootstrap(ctx context.Context) error {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.phase = PhaseLoading
	b.lastErr = nil
	b.opts.Channel.Close(b.opts.Key)
	b.setConnLocked(channel.StateIdle)
	b.mu.Unlock()

	dashboard, err := b.opts.Source.Dashboard(ctx, b.opts.Token)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		b.logf("board %s: discarding stale bootstrap result", b.opts.Key)
		return ErrStale
	}
	if err != nil {
		b.lastErr = err
		if fleetapi.IsTerminal(err) {
			b.phase = PhaseNotFound
		} else {
			b.phase = PhaseFailed
		}
		b.metrics.bootstrap("failed")
		b.logf("board %s: bootstrap failed: %v", b.opts.Key, err)
		return err
	}

	b.view = roster.NewViewFromDashboard(dashboard)
	b.phase = PhaseReady
	b.metrics.bootstrap("ok")
	b.archiveLocked("bootstrap")

	b.setConnLocked(channel.StateConnecting)
	if err := b.opts.Channel.Open(b.opts.Key, b.opts.ChannelURL); err != nil {
		b.setConnLocked(channel.StateDisconnected)
		b.lastErr = err
		return fmt.Errorf("open fleet channel: %w", err)
	}
	return nil
}

// Resync discards the stream and rebuilds from a fresh snapshot. Missed
// deltas cannot be replayed, so this is the only way back after a
// disconnect. The previous view stays readable until the new one lands.
func (b *Board) Resync(ctx context.Context) error {
	b.metrics.resync()
	return b.Bootstrap(ctx)
}

// Teardown closes the channel and drops the view. In-flight bootstraps are
// invalidated.
func (b *Board) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.opts.Channel.Close(b.opts.Key)
	if b.view != nil {
		b.archiveLocked("teardown")
	}
	b.view = nil
	b.phase = PhaseIdle
	b.lastErr = nil
	b.setConnLocked(channel.StateIdle)
}

// HandleChannelEvent applies one multiplexer event. Events of a connection
// that is no longer current are dropped; the check is made under the board
// lock, which Bootstrap also holds while it closes and reopens the channel.
func (b *Board) HandleChannelEvent(ev channel.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.view == nil || b.phase != PhaseReady || !b.opts.Channel.Current(ev) {
		b.metrics.frame("dropped")
		return
	}

	switch ev.Kind {
	case channel.EventConnected:
		b.setConnLocked(channel.StateConnected)
	case channel.EventDisconnected:
		b.setConnLocked(channel.StateDisconnected)
		if ev.Err != nil {
			b.logf("board %s: channel disconnected: %v", b.opts.Key, ev.Err)
		}
		b.archiveLocked("disconnect")
	case channel.EventMessage:
		event, err := roster.DecodeFrame(ev.Payload)
		if err != nil {
			b.metrics.frame("malformed")
			b.logf("board %s: dropping frame: %v", b.opts.Key, err)
			return
		}
		effect := b.view.Apply(event)
		b.metrics.frame(string(effect.Kind))
		if effect.Legacy {
			b.logf("board %s: applied legacy full replace", b.opts.Key)
		}
		if effect.Kind == roster.EffectIgnored {
			b.logf("board %s: ignored event for entry %d: %s", b.opts.Key, effect.EntryID, effect.Reason)
		}
	}
}

// Snapshot returns a copy of the current view. The second result is false
// when there is no view, before the first bootstrap or after teardown.
func (b *Board) Snapshot() (roster.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.view == nil {
		return roster.Snapshot{}, false
	}
	return b.view.Snapshot(), true
}

func (b *Board) Phase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

func (b *Board) ConnState() channel.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

// Err is the last bootstrap or channel open failure, cleared by the next
// bootstrap attempt.
func (b *Board) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Board) Status() roster.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.view == nil {
		return roster.Status{}
	}
	return b.view.Status
}

func (b *Board) SiblingCategories(pilotID, excludingEntryID int64) []roster.Category {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.view == nil {
		return nil
	}
	return b.view.SiblingCategories(pilotID, excludingEntryID)
}

// Archived returns the last record saved for this fleet, if any. It is
// display-only data and never seeds the live view.
func (b *Board) Archived() (*archive.Record, error) {
	if b.opts.Archive == nil {
		return nil, nil
	}
	return b.opts.Archive.Load(b.opts.Token)
}

func (b *Board) archiveLocked(reason string) {
	if b.opts.Archive == nil || b.view == nil {
		return
	}
	record := &archive.Record{
		Token:    b.opts.Token,
		SavedAt:  b.opts.Now().UTC(),
		Reason:   reason,
		Snapshot: b.view.Snapshot(),
	}
	if err := b.opts.Archive.Save(record); err != nil {
		b.logf("board %s: archive %s failed: %v", b.opts.Key, reason, err)
	}
}

func (b *Board) setConnLocked(state channel.State) {
	b.conn = state
	b.metrics.connState(state)
}

func (b *Board) logf(format string, args ...any) {
	if b.opts.Logger == nil {
		return
	}
	b.opts.Logger.Printf(format, args...)
}
