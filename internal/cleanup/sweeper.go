// Package cleanup deletes expired files from the staging areas on a fixed
// schedule and reports area statistics.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/local/docpdf/internal/jobs"
	"github.com/local/docpdf/internal/metrics"
	"github.com/local/docpdf/internal/staging"
)

// Options configures the sweeper.
type Options struct {
	Enabled      bool
	Interval     time.Duration
	Expiry       time.Duration
	RetryDelay   time.Duration
	JobRetention time.Duration
}

// Report is the outcome of one sweep.
type Report struct {
	Timestamp      time.Time `json:"timestamp"`
	DeletedUploads int       `json:"deleted_uploads"`
	DeletedOutputs int       `json:"deleted_outputs"`
	TotalDeleted   int       `json:"total_deleted"`
	UploadFiles    []string  `json:"upload_files"`
	OutputFiles    []string  `json:"output_files"`
	PrunedJobs     int       `json:"pruned_jobs"`
}

// AreaStats summarises one staging directory.
type AreaStats struct {
	Exists         bool    `json:"exists"`
	FileCount      int     `json:"file_count"`
	TotalSize      int64   `json:"total_size"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	TotalSizeHuman string  `json:"total_size_human"`
}

// Stats bundles area statistics with the sweeper settings.
type Stats struct {
	UploadDir              AreaStats `json:"upload_dir"`
	OutputDir              AreaStats `json:"output_dir"`
	CleanupEnabled         bool      `json:"cleanup_enabled"`
	CleanupIntervalMinutes int       `json:"cleanup_interval_minutes"`
	FileExpireHours        int       `json:"file_expire_hours"`
	ServiceRunning         bool      `json:"service_running"`
}

// Sweeper owns the periodic retention loop. It is either stopped or running;
// Start and Stop may be called from any goroutine.
type Sweeper struct {
	store *staging.Store
	jobs  jobs.Store
	opts  Options
	now   func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// sweepMu keeps a manual sweep and a scheduled one from racing on the same files.
	sweepMu sync.Mutex
}

// New builds a stopped sweeper. registry may be nil, in which case job
// records are never pruned.
func New(store *staging.Store, registry jobs.Store, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.Expiry <= 0 {
		opts.Expiry = time.Hour
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	return &Sweeper{store: store, jobs: registry, opts: opts, now: time.Now}
}

// Start launches the loop. It is a no-op when cleanup is disabled or the
// loop is already running.
func (s *Sweeper) Start() {
	if !s.opts.Enabled {
		log.Info().Msg("file cleanup is disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		log.Warn().Msg("cleanup service is already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(ctx, done)
	log.Info().
		Dur("interval", s.opts.Interval).
		Dur("expiry", s.opts.Expiry).
		Msg("file cleanup service started")
}

// Stop cancels the loop and waits for it to exit. Once it returns no
// scheduled sweep is in flight.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for cleanup loop: %w", ctx.Err())
	}
	log.Info().Msg("file cleanup service stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := s.opts.Interval
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Dur("retry_in", s.opts.RetryDelay).Msg("cleanup iteration failed")
			next = s.opts.RetryDelay
		}
		timer.Reset(next)
	}
}

// Sweep deletes every staged file older than the expiry in both areas and
// prunes settled job records past their retention. A failure to scan one
// area does not stop the other; the partial report is returned with the
// joined errors.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.opts.Expiry)
	rep := Report{Timestamp: now, UploadFiles: []string{}, OutputFiles: []string{}}
	log.Info().Time("cutoff", cutoff).Msg("starting file cleanup")

	var errs []error
	uploads, err := s.sweepArea(ctx, staging.Inbound, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	outputs, err := s.sweepArea(ctx, staging.Outbound, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	rep.UploadFiles = append(rep.UploadFiles, uploads...)
	rep.OutputFiles = append(rep.OutputFiles, outputs...)
	rep.DeletedUploads = len(uploads)
	rep.DeletedOutputs = len(outputs)
	rep.TotalDeleted = rep.DeletedUploads + rep.DeletedOutputs

	if s.jobs != nil && s.opts.JobRetention > 0 && ctx.Err() == nil {
		rep.PrunedJobs = s.jobs.Prune(ctx, now.Add(-s.opts.JobRetention))
	}

	err = errors.Join(errs...)
	metrics.ObserveSweep(err == nil)
	metrics.AddSweepDeleted(staging.Inbound.String(), rep.DeletedUploads)
	metrics.AddSweepDeleted(staging.Outbound.String(), rep.DeletedOutputs)
	log.Info().
		Int("total_deleted", rep.TotalDeleted).
		Int("pruned_jobs", rep.PrunedJobs).
		Msg("cleanup completed")
	return rep, err
}

func (s *Sweeper) sweepArea(ctx context.Context, area staging.Area, cutoff time.Time) ([]string, error) {
	var expired []staging.StagedFile
	err := s.store.Each(area, func(f staging.StagedFile) bool {
		if f.ModTime.Before(cutoff) {
			expired = append(expired, f)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		log.Error().Err(err).Str("area", area.String()).Msg("scanning staging area failed")
	}

	deleted := make([]string, 0, len(expired))
	for _, f := range expired {
		if ctx.Err() != nil {
			return deleted, errors.Join(err, ctx.Err())
		}
		if s.store.Remove(area, f.Name) {
			deleted = append(deleted, f.Path)
		}
	}
	return deleted, err
}

// Stats reports per-area usage and the current sweeper settings.
func (s *Sweeper) Stats() Stats {
	return Stats{
		UploadDir:              s.areaStats(staging.Inbound),
		OutputDir:              s.areaStats(staging.Outbound),
		CleanupEnabled:         s.opts.Enabled,
		CleanupIntervalMinutes: int(s.opts.Interval / time.Minute),
		FileExpireHours:        int(s.opts.Expiry / time.Hour),
		ServiceRunning:         s.Running(),
	}
}

func (s *Sweeper) areaStats(area staging.Area) AreaStats {
	st := AreaStats{TotalSizeHuman: humanize.Bytes(0)}
	info, err := os.Stat(s.store.Dir(area))
	if err != nil || !info.IsDir() {
		return st
	}
	st.Exists = true
	err = s.store.Each(area, func(f staging.StagedFile) bool {
		st.FileCount++
		st.TotalSize += f.Size
		return true
	})
	if err != nil {
		log.Error().Err(err).Str("area", area.String()).Msg("collecting area stats failed")
	}
	st.TotalSizeMB = math.Round(float64(st.TotalSize)/(1<<20)*100) / 100
	st.TotalSizeHuman = humanize.Bytes(uint64(st.TotalSize))
	return st
}
