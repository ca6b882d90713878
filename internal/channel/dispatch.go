package channel

import "context"

type Handler interface {
	HandleChannelEvent(ev Event)
}

type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleChannelEvent(ev Event) { f(ev) }

// Dispatch routes events from mux to the handler registered for their key,
// one at a time on the calling goroutine, until ctx is done. Events from
// stale connections and events for unregistered keys are dropped.
func Dispatch(ctx context.Context, mux *Multiplexer, handlers map[string]Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-mux.Events():
			if !mux.Current(ev) {
				continue
			}
			h, ok := handlers[ev.Key]
			if !ok {
				continue
			}
			h.HandleChannelEvent(ev)
		}
	}
}
