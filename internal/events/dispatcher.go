package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Balghanimi/toosila/internal/notify"
	"github.com/Balghanimi/toosila/internal/observability"
)

// emitWait bounds how long Emit blocks on a full buffer before dropping.
// Long enough for the worker to drain one slot, short enough to keep the
// request path snappy.
const emitWait = 50 * time.Millisecond

// LivePusher delivers a payload to a user's live channels and reports how
// many deliveries landed. Implemented by dispatch.Registry and
// dispatch.WebhookDispatcher.
type LivePusher interface {
	Push(userID string, payload any) int
}

// Dispatcher consumes domain events on a buffered channel and performs
// notify-then-push for each. One worker goroutine keeps per-user delivery
// in emission order without any locking in the handlers.
type Dispatcher struct {
	Notify   *notify.Service
	Live     LivePusher
	Fallback LivePusher // optional, tried when no live channel delivered
	Bus      *Producer  // optional Kafka mirror for external consumers
	Logger   *slog.Logger

	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewDispatcher(n *notify.Service, live LivePusher, logger *slog.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		Notify: n,
		Live:   live,
		Logger: logger,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. The context bounds each side-effect call,
// not the worker's lifetime; use Close for shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev := <-d.ch:
				d.handle(ctx, ev)
			case <-d.done:
				// drain whatever Emit managed to buffer before Close
				for {
					select {
					case ev := <-d.ch:
						d.handle(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Emit enqueues the event, waiting up to emitWait when the buffer is
// full. Dropping loses the durable notification too, so it is reserved
// for pathological backlog and always counted.
func (d *Dispatcher) Emit(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case <-d.done:
		d.drop(ev, "dispatcher stopped")
		return
	default:
	}
	select {
	case d.ch <- ev:
		return
	default:
	}
	t := time.NewTimer(emitWait)
	defer t.Stop()
	select {
	case d.ch <- ev:
	case <-d.done:
		d.drop(ev, "dispatcher stopped")
	case <-t.C:
		d.drop(ev, "event buffer full")
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	observability.EventsDroppedTotal.Inc()
	d.Logger.Warn("dropping event", "reason", reason, "kind", ev.Kind, "response_id", ev.Response.ID)
}

// Close stops the worker after it drains the buffer. The event channel is
// never closed, so an Emit racing a shutdown degrades to a drop instead
// of a panic.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	if d.Bus != nil {
		if err := d.Bus.Publish(ctx, ev); err != nil {
			d.Logger.Warn("event publish failed", "kind", ev.Kind, "error", err)
		}
	}

	userID, typ, title, message := ev.notification()
	if userID == "" {
		d.Logger.Error("unhandled event kind", "kind", ev.Kind)
		return
	}

	n, err := d.Notify.Notify(ctx, userID, typ, title, message, ev.payloadKey(), ev.data())
	if err != nil {
		// The business transaction already committed; log and move on.
		d.Logger.Error("notification write failed", "kind", ev.Kind, "user_id", userID, "error", err)
		return
	}
	if n == nil {
		return // suppressed by the dedup window
	}

	if delivered := d.Live.Push(userID, n); delivered == 0 && d.Fallback != nil {
		d.Fallback.Push(userID, n)
	}
}
