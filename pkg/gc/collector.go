// Package gc removes orphaned chunks from the chunk store.
//
// Chunks are uploaded before the item revision that references them is
// created, so a crashed or abandoned upload leaves chunks behind that no
// revision points at. Deleting or superseding chunked revisions orphans their
// chunks the same way (chunks are shared across items, so the store never
// deletes them inline). The collector periodically diffs the chunk store's
// contents against the hashes the item store still references and deletes the
// difference.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/store"
)

// Collector performs periodic garbage collection on a chunk store.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	store  store.Store
	chunks chunkstore.ListableChunkStore
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether garbage collection is active.
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h).
	Interval time.Duration

	// BatchSize is how many orphaned chunks to delete per batch (default:
	// 1000, the S3 DeleteObjects limit).
	BatchSize int

	// DryRun logs what would be deleted without deleting it.
	DryRun bool
}

// NewCollector creates a garbage collector over the given stores.
//
// The chunk store must support enumeration; stores that cannot list their
// contents cannot be collected. Call Start to begin background collection.
func NewCollector(st store.Store, chunks chunkstore.ChunkStore, config Config) (*Collector, error) {
	listable, ok := chunks.(chunkstore.ListableChunkStore)
	if !ok {
		return nil, fmt.Errorf("chunk store does not support enumeration")
	}

	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}

	return &Collector{
		store:  st,
		chunks: listable,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins background garbage collection at the configured interval.
// A no-op when collection is disabled.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Chunk garbage collection disabled")
		return
	}

	logger.Info("Starting chunk garbage collector: interval=%s batch_size=%d dry_run=%v",
		c.config.Interval, c.config.BatchSize, c.config.DryRun)

	go c.worker()
}

// Stop stops the collector and waits for any in-progress run to finish, or
// for ctx to expire.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	close(c.stopCh)

	select {
	case <-c.doneCh:
		logger.Info("Chunk garbage collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Chunk garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers an immediate collection run and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Chunk garbage collection failed: %v", err)
			} else {
				logger.Info("Chunk garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs one run: fetch the referenced hashes, list the stored
// ones, and batch-delete the difference.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	referenced, err := c.store.ReferencedChunks(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get referenced chunks: %w", err)
	}
	stats.ReferencedCount = uint64(len(referenced))

	referencedSet := make(map[string]struct{}, len(referenced))
	for _, hash := range referenced {
		referencedSet[hash] = struct{}{}
	}

	existing, err := c.chunks.ListChunks(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list chunks: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	orphaned := make([]string, 0)
	for _, hash := range existing {
		if _, ok := referencedSet[hash]; !ok {
			orphaned = append(orphaned, hash)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		stats.EndTime = time.Now()
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("GC dry run: would delete %d orphaned chunks", stats.OrphanedCount)
		stats.EndTime = time.Now()
		return stats, nil
	}

	for i := 0; i < len(orphaned); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}

		end := min(i+c.config.BatchSize, len(orphaned))
		batch := orphaned[i:end]

		failures, err := c.chunks.DeleteChunks(ctx, batch)
		if err != nil {
			logger.Warn("GC batch delete failed: %v", err)
			stats.FailedCount += uint64(len(batch))
			continue
		}

		stats.DeletedCount += uint64(len(batch) - len(failures))
		stats.FailedCount += uint64(len(failures))

		for hash, ferr := range failures {
			logger.Debug("GC failed to delete chunk %s: %v", hash, ferr)
		}
	}

	stats.EndTime = time.Now()
	return stats, nil
}

// Stats contains statistics from one collection run.
type Stats struct {
	StartTime       time.Time
	EndTime         time.Time
	ReferencedCount uint64
	ExistingCount   uint64
	OrphanedCount   uint64
	DeletedCount    uint64
	FailedCount     uint64
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
