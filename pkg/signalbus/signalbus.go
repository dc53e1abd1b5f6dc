// Package signalbus implements SignalBus (C5): bridging an externally
// posted signal to the executions currently waiting on it, per spec.md
// §4.5. Delivery durability is entirely the Store's (SignalReady already
// performs the atomic waiter-flip); this package adds the in-process
// wake notification that lets a local Worker pick the execution up
// without waiting for its next poll tick.
package signalbus

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/workflow"
)

// wakeBuffer bounds how many pending wake notifications a slow worker can
// fall behind on before new ones are dropped; a dropped notification only
// costs that worker one poll interval of latency, since Claim's due-timer
// and signaled buckets find the execution again regardless (§4.3).
const wakeBuffer = 256

// Bus is the in-process SignalBus. Multiple Workers in the same process
// subscribe independently; Post fans the wake notification out to all of
// them. Workers in other processes rely solely on their own poll loop —
// per §4.5, signals are not buffered for late subscribers across
// processes, only the Store's durable waiter rows matter there.
type Bus struct {
	store      store.Store
	serializer serializer.Serializer
	logger     logr.Logger

	mu   sync.Mutex
	subs map[int]chan string
	next int
}

// New constructs a Bus bridging st's SignalReady to local wake
// notifications.
func New(st store.Store, ser serializer.Serializer, logger logr.Logger) *Bus {
	return &Bus{
		store:      st,
		serializer: ser,
		logger:     logger,
		subs:       make(map[int]chan string),
	}
}

// Subscribe registers a wake-notification channel. The Worker's poll loop
// selects on the returned channel in addition to its ticker so a signal
// delivery (or an arbitrary wake, since execution ids are advisory —
// Claim always re-derives the true claimable set) short-circuits the
// wait. Callers must invoke cancel when done to release the channel.
func (b *Bus) Subscribe() (wake <-chan string, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan string, wakeBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Post delivers payload to every execution currently waiting on
// signalID, per §4.5: it asks the Store for the matching waiters
// (SignalReady also writes the payload into their pending StepResult and
// cancels any paired timeout timer), then publishes a local wake
// notification for each affected execution. Signals with no waiters are
// not buffered for late subscribers (§4.5) — affected will be empty and
// nothing is notified.
func (b *Bus) Post(ctx context.Context, signalID string, payload any) (affected []string, err error) {
	data, err := b.serializer.Encode(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "encode signal payload").WithDetails(signalID)
	}
	wrapped, err := b.serializer.Encode(workflow.SignalFinalValue{Kind: "signal", Data: data})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "encode signal final value").WithDetails(signalID)
	}

	affected, err = b.store.SignalReady(ctx, signalID, wrapped)
	if err != nil {
		return nil, err
	}

	fields := obslog.NewFields().Component("signalbus").Operation("post").Resource("signal", signalID)
	b.logger.V(1).Info("posted signal", append(fields.KV(), "affected", len(affected))...)

	b.notify(affected)
	return affected, nil
}

func (b *Bus) notify(execIDs []string) {
	if len(execIDs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range execIDs {
		for _, ch := range b.subs {
			select {
			case ch <- id:
			default:
				// Subscriber's buffer is full; it still finds this
				// execution on its next poll via Claim's signaled bucket.
			}
		}
	}
}
