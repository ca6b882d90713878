package retrysignal

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

type Reason string

const (
	ReasonSignal Reason = "signal"
	ReasonFile   Reason = "file"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// TriggerFile requests a retry whenever it is created or written.
	TriggerFile string

	// HangUp requests a retry on SIGHUP.
	HangUp bool

	Logger Logger
}

// Watch delivers a Reason each time a retry is requested until ctx is done,
// then closes the channel. Requests that arrive while one is still pending
// are coalesced.
func Watch(ctx context.Context, opts Options) (<-chan Reason, error) {
	out := make(chan Reason, 1)

	var watcher *fsnotify.Watcher
	var target string
	if trigger := strings.TrimSpace(opts.TriggerFile); trigger != "" {
		abs, err := filepath.Abs(trigger)
		if err != nil {
			return nil, err
		}
		target = filepath.Clean(abs)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create trigger watcher: %w", err)
		}
		// Watching the directory survives editors that replace the file.
		if err := watcher.Add(filepath.Dir(target)); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
		}
	}

	var hangups chan os.Signal
	if opts.HangUp {
		hangups = make(chan os.Signal, 1)
		signal.Notify(hangups, unix.SIGHUP)
	}

	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}
		if hangups != nil {
			defer signal.Stop(hangups)
		}

		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-hangups:
				deliver(out, ReasonSignal)
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
					deliver(out, ReasonFile)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if opts.Logger != nil {
					opts.Logger.Printf("retry trigger watch error: %v", err)
				}
			}
		}
	}()
	return out, nil
}

func deliver(out chan Reason, reason Reason) {
	select {
	case out <- reason:
	default:
	}
}
