package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/pkg/logger"
)

// ErrNoBackend is recorded on a message when no backend is configured for
// the route it needs
var ErrNoBackend = errors.New("no backend configured for route")

// Dispatcher drives outbox messages through the delivery state machine.
// Every message goes through exactly one of three routes: the broadcast
// backend when it has no recipient, the local backend when sender and
// recipient are owned by the same node, and the point-to-point backend
// otherwise.
type Dispatcher struct {
	store     Store
	directory *federation.Directory
	point     Backend
	broadcast Backend
	local     Backend
	logger    *logger.Logger

	dispatched atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
}

// NewDispatcher creates a dispatcher over the given store and backends.
// Any backend may be nil; messages routed to a missing backend fail with
// ErrNoBackend instead of blocking the sweep.
func NewDispatcher(store Store, directory *federation.Directory, point, broadcast, local Backend, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		directory: directory,
		point:     point,
		broadcast: broadcast,
		local:     local,
		logger:    log,
	}
}

// Enqueue persists a new message for asynchronous delivery
func (d *Dispatcher) Enqueue(ctx context.Context, msg *Message) error {
	if err := d.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	if msg.IsBroadcast() {
		d.logger.Infof("Enqueued broadcast message %s from %s", msg.ID, msg.Sender)
	} else {
		d.logger.Infof("Enqueued message %s from %s to %s", msg.ID, msg.Sender, msg.Recipient)
	}
	return nil
}

// Dispatch attempts delivery of a single message. The claim is a
// compare-and-swap on the processing flag, so a message already claimed
// or already processed is skipped without error. Delivery outcome is
// recorded on the message either way; a failed message stays unprocessed
// and is picked up again by the next sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) error {
	claimed, err := d.store.MarkProcessing(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to claim message %s: %w", id, err)
	}
	if !claimed {
		return nil
	}

	msg, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}

	d.dispatched.Add(1)

	backend, routeErr := d.route(ctx, msg)
	if routeErr != nil {
		d.failed.Add(1)
		d.logger.Errorf("Failed to route message %s: %v", msg.ID, routeErr)
		return d.store.Fail(ctx, msg.ID, nil, "", routeErr.Error())
	}

	delivery, err := backend.Deliver(ctx, msg)
	if err != nil {
		d.failed.Add(1)
		statusCode, body := deliveryDetails(err)
		d.logger.Errorf("Delivery of message %s failed (try %d): %v", msg.ID, msg.Tries, err)
		return d.store.Fail(ctx, msg.ID, statusCode, body, err.Error())
	}

	d.delivered.Add(1)
	var statusCode *int
	var body string
	if delivery != nil {
		sc := delivery.StatusCode
		statusCode = &sc
		body = delivery.Body
	}
	d.logger.Infof("Delivered message %s on try %d", msg.ID, msg.Tries)
	return d.store.Complete(ctx, msg.ID, statusCode, body)
}

// Sweep dispatches all currently unprocessed messages concurrently and
// waits for them to settle. A failing message does not stop the sweep;
// the first store error is returned after all deliveries finish.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	pending, err := d.store.ListUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unprocessed messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	d.logger.Debugf("Sweeping %d unprocessed messages", len(pending))

	var wg sync.WaitGroup
	errs := make([]error, len(pending))
	for i, msg := range pending {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = d.Dispatch(ctx, id)
		}(i, msg.ID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps on the given interval until the context is canceled. One
// sweep runs immediately on start.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	d.logger.Infof("Outbox dispatcher started, sweep interval %s", interval)

	if err := d.Sweep(ctx); err != nil {
		d.logger.Errorf("Outbox sweep failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				d.logger.Errorf("Outbox sweep failed: %v", err)
			}
		}
	}
}

// Replay clears a message's delivery state and dispatches it again.
// Replaying a message that was never delivered is equivalent to a normal
// retry.
func (d *Dispatcher) Replay(ctx context.Context, id string) error {
	if _, err := d.store.Get(ctx, id); err != nil {
		return err
	}
	if err := d.store.ResetForReplay(ctx, id); err != nil {
		return fmt.Errorf("failed to reset message %s for replay: %w", id, err)
	}
	d.logger.Infof("Replaying message %s", id)
	return d.Dispatch(ctx, id)
}

// Metrics is a point-in-time snapshot of dispatcher counters
type Metrics struct {
	Dispatched int64
	Delivered  int64
	Failed     int64
}

// CollectMetrics returns the dispatcher counters
func (d *Dispatcher) CollectMetrics() Metrics {
	return Metrics{
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
	}
}

func (d *Dispatcher) route(ctx context.Context, msg *Message) (Backend, error) {
	if msg.IsBroadcast() {
		if d.broadcast == nil {
			return nil, fmt.Errorf("%w: broadcast", ErrNoBackend)
		}
		return d.broadcast, nil
	}

	same, err := d.directory.SameNode(ctx, msg.Sender, msg.Recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient %s: %w", msg.Recipient, err)
	}
	if same {
		if d.local == nil {
			return nil, fmt.Errorf("%w: local", ErrNoBackend)
		}
		return d.local, nil
	}

	if d.point == nil {
		return nil, fmt.Errorf("%w: point-to-point", ErrNoBackend)
	}
	return d.point, nil
}

func deliveryDetails(err error) (*int, string) {
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.StatusCode != 0 {
			sc := de.StatusCode
			return &sc, de.Body
		}
		return nil, de.Body
	}
	return nil, ""
}
