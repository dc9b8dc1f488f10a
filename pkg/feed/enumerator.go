package feed

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/domain"
)

// State is one phase of the enumeration state machine.
type State string

const (
	// StateFetchingAnchor acquires a fresh sync anchor before a full listing.
	StateFetchingAnchor State = "fetching_anchor"

	// StateEnumeratingItems pages through the full listing of the folder.
	StateEnumeratingItems State = "enumerating_items"

	// StateEnumeratingChanges polls for mutations since the current anchor.
	StateEnumeratingChanges State = "enumerating_changes"

	// StateIdle waits for a signal or the poll interval before polling again.
	StateIdle State = "idle"

	// StateError backs off after a transport or decode failure, then
	// restarts from StateFetchingAnchor.
	StateError State = "error"
)

// Backoff applied after consecutive failures, reset on any success.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second

	// DefaultPollInterval bounds how long an idle enumerator sleeps before
	// polling for changes even without a signal.
	DefaultPollInterval = 30 * time.Second
)

// Sink receives the enumerated tree. Entries may repeat across pages and
// polls; implementations upsert by identifier.
type Sink interface {
	ApplyEntries(entries []domain.Entry)
	ApplyDeletions(ids []domain.ItemID)
}

// Enumerator mirrors one folder (usually the root) of one account into a
// Sink. It runs a small state machine:
//
//	FetchingAnchor -> EnumeratingItems -> EnumeratingChanges <-> Idle
//
// An expired anchor restarts at FetchingAnchor. Any other failure enters
// Error, sleeps an exponential backoff, and restarts at FetchingAnchor.
//
// Thread Safety:
// Step and Run must not be called concurrently with each other. State and
// Signal are safe from any goroutine.
type Enumerator struct {
	client    *Client
	folder    domain.ItemID
	recursive bool
	sink      Sink

	pollInterval time.Duration

	mu      sync.Mutex
	state   State
	anchor  string
	cursor  *int64
	backoff time.Duration

	wake chan struct{}
}

// NewEnumerator builds an enumerator over folder. A recursive enumerator
// mirrors the whole subtree; otherwise only the folder's direct children.
func NewEnumerator(client *Client, folder domain.ItemID, recursive bool, sink Sink) *Enumerator {
	return &Enumerator{
		client:       client,
		folder:       folder,
		recursive:    recursive,
		sink:         sink,
		pollInterval: DefaultPollInterval,
		state:        StateFetchingAnchor,
		wake:         make(chan struct{}, 1),
	}
}

// State reports the current phase.
func (e *Enumerator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Anchor reports the current sync anchor ("" before one is acquired).
func (e *Enumerator) Anchor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anchor
}

// Signal wakes an idle enumerator so it polls for changes immediately.
// Applications call this from push-notification handlers.
func (e *Enumerator) Signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Step executes exactly one transition of the state machine. Run drives it
// in a loop; tests drive it directly.
func (e *Enumerator) Step(ctx context.Context) error {
	switch e.State() {
	case StateFetchingAnchor:
		return e.stepFetchAnchor(ctx)
	case StateEnumeratingItems:
		return e.stepEnumerateItems(ctx)
	case StateEnumeratingChanges, StateIdle:
		return e.stepEnumerateChanges(ctx)
	default: // StateError
		e.transition(StateFetchingAnchor)
		return nil
	}
}

func (e *Enumerator) stepFetchAnchor(ctx context.Context) error {
	anchor, err := e.client.LatestRank(ctx)
	if err != nil {
		return e.fail(err)
	}

	e.mu.Lock()
	e.anchor = anchor
	e.cursor = nil
	e.state = StateEnumeratingItems
	e.backoff = 0
	e.mu.Unlock()
	return nil
}

func (e *Enumerator) stepEnumerateItems(ctx context.Context) error {
	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()

	page, err := e.client.ListFolder(ctx, e.folder, e.recursive, cursor)
	if err != nil {
		return e.fail(err)
	}

	e.sink.ApplyEntries(page.Entries)

	e.mu.Lock()
	e.backoff = 0
	if page.Cursor != nil {
		e.cursor = page.Cursor
	} else {
		e.cursor = nil
		e.anchor = page.Rank
		e.state = StateEnumeratingChanges
	}
	e.mu.Unlock()
	return nil
}

func (e *Enumerator) stepEnumerateChanges(ctx context.Context) error {
	e.mu.Lock()
	anchor := e.anchor
	e.mu.Unlock()

	page, err := e.client.ListChanges(ctx, e.folder, e.recursive, anchor)
	if err != nil {
		if domain.IsKind(err, domain.KindTokenExpired) {
			logger.Info("sync anchor expired, restarting full enumeration")
			e.mu.Lock()
			e.anchor = ""
			e.cursor = nil
			e.state = StateFetchingAnchor
			e.backoff = 0
			e.mu.Unlock()
			return nil
		}
		return e.fail(err)
	}

	e.sink.ApplyEntries(page.Entries)
	if len(page.DeletedEntries) > 0 {
		e.sink.ApplyDeletions(page.DeletedEntries)
	}

	e.mu.Lock()
	e.anchor = page.Rank
	e.backoff = 0
	if page.HasMore {
		e.state = StateEnumeratingChanges
	} else {
		e.state = StateIdle
	}
	e.mu.Unlock()
	return nil
}

// fail records a failure, doubles the backoff, and enters StateError. The
// error is returned so callers driving Step directly can observe it.
func (e *Enumerator) fail(err error) error {
	e.mu.Lock()
	if e.backoff == 0 {
		e.backoff = initialBackoff
	} else {
		e.backoff *= 2
		if e.backoff > maxBackoff {
			e.backoff = maxBackoff
		}
	}
	e.state = StateError
	backoff := e.backoff
	e.mu.Unlock()

	logger.Warn("enumeration failed (retrying in %v): %v", backoff, err)
	return err
}

// Backoff reports the delay before the next retry (0 outside StateError).
func (e *Enumerator) Backoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateError {
		return 0
	}
	return e.backoff
}

// transition sets the state unconditionally.
func (e *Enumerator) transition(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives the state machine until ctx is cancelled. Idle phases wait for
// Signal or the poll interval; error phases wait out the backoff.
func (e *Enumerator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch e.State() {
		case StateIdle:
			if err := e.waitIdle(ctx); err != nil {
				return err
			}
		case StateError:
			if err := sleepContext(ctx, e.Backoff()); err != nil {
				return err
			}
		}

		_ = e.Step(ctx)
	}
}

func (e *Enumerator) waitIdle(ctx context.Context) error {
	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
