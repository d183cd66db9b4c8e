// Package dispatch delivers notification payloads to live client
// sessions. Delivery is fire-and-forget: the durable record in the
// notification store is the guarantee, the live push is a convenience.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Balghanimi/toosila/internal/observability"
)

// Conn is the subset of a websocket connection the registry needs.
// *websocket.Conn satisfies it; tests plug in fakes.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Channel is one live connection for one user. Writes are serialized per
// connection and bounded by a deadline so a stalled client cannot hold
// the sender.
type Channel struct {
	userID string
	conn   Conn
	mu     sync.Mutex
}

func (c *Channel) send(payload any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(payload)
}

// Registry is the live channel registration: user id to zero-or-more
// active connections. It is rebuilt from connection events and owned by
// the process lifetime; nothing here is persisted.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Channel]struct{}

	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func NewRegistry(writeTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		channels:     make(map[string]map[*Channel]struct{}),
		WriteTimeout: writeTimeout,
		Logger:       logger,
	}
}

func (r *Registry) Register(userID string, conn Conn) *Channel {
	ch := &Channel{userID: userID, conn: conn}
	r.mu.Lock()
	set, ok := r.channels[userID]
	if !ok {
		set = make(map[*Channel]struct{})
		r.channels[userID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()
	observability.LiveChannels.Inc()
	r.Logger.Debug("channel registered", "user_id", userID)
	return ch
}

func (r *Registry) Deregister(ch *Channel) {
	r.mu.Lock()
	set, ok := r.channels[ch.userID]
	if ok {
		if _, present := set[ch]; !present {
			ok = false
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(r.channels, ch.userID)
		}
	}
	r.mu.Unlock()
	if ok {
		observability.LiveChannels.Dec()
		r.Logger.Debug("channel deregistered", "user_id", ch.userID)
	}
}

// Push delivers the payload to every live channel of the user. No
// channels is a normal outcome. A failed send prunes the channel; the
// error never reaches the caller. Returns the delivered count for
// observability only.
func (r *Registry) Push(userID string, payload any) int {
	r.mu.RLock()
	set := r.channels[userID]
	chans := make([]*Channel, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range chans {
		if err := ch.send(payload, r.WriteTimeout); err != nil {
			observability.PushFailedTotal.Inc()
			r.Logger.Warn("live push failed, dropping channel", "user_id", userID, "error", err)
			r.Deregister(ch)
			_ = ch.conn.Close()
			continue
		}
		observability.PushDeliveredTotal.Inc()
		delivered++
	}
	return delivered
}
