// Package orchestrator ties staging, conversion and the job registry together
// and exposes them over HTTP.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/local/docpdf/internal/converter"
	"github.com/local/docpdf/internal/jobs"
	"github.com/local/docpdf/internal/metrics"
	"github.com/local/docpdf/internal/staging"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
)

var ErrEmptyContent = errors.New("empty file content")

// Converter turns one staged input into a PDF inside outputDir.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputDir string) converter.Result
}

// Publisher copies a finished PDF somewhere outside the local outbound area.
type Publisher interface {
	Publish(ctx context.Context, localPath, name string) error
}

// Dependencies are the collaborators a Workflow needs. Mirror is optional.
type Dependencies struct {
	Staging   *staging.Store
	Converter Converter
	Jobs      jobs.Store
	Mirror    Publisher
}

// Options tunes the workflow.
type Options struct {
	// MaxConcurrent caps simultaneous converter processes; 0 means no cap.
	MaxConcurrent int
}

// Result is the outcome of one stage+convert attempt.
type Result struct {
	Success    bool
	Message    string
	InputName  string
	OutputName string
	Pages      int
}

// Workflow runs conversions either inline or as tracked background jobs.
type Workflow struct {
	deps Dependencies
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

func New(deps Dependencies, opts Options) *Workflow {
	w := &Workflow{deps: deps}
	if opts.MaxConcurrent > 0 {
		w.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return w
}

// RunSync stages content and converts it, blocking until the converter
// finishes. A conversion failure is reported in the Result; the error is
// reserved for empty input and staging failures.
func (w *Workflow) RunSync(ctx context.Context, filename string, content []byte) (Result, error) {
	if len(content) == 0 {
		return Result{}, ErrEmptyContent
	}
	return w.convert(ctx, modeSync, filename, content)
}

// RunAsync registers a job and converts in the background. The returned id
// is already visible through Job when RunAsync returns.
func (w *Workflow) RunAsync(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrEmptyContent
	}
	id := uuid.NewString()
	if err := w.deps.Jobs.Create(ctx, id); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}

	w.wg.Add(1)
	metrics.JobStarted()
	go w.runJob(id, filename, content)

	log.Info().Str("job_id", id).Str("file", filename).Msg("conversion job scheduled")
	return id, nil
}

// runJob always settles the job, whatever happens inside the conversion.
func (w *Workflow) runJob(id, filename string, content []byte) {
	ctx := context.Background()
	defer w.wg.Done()
	defer metrics.JobSettled()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", id).Interface("panic", r).Msg("conversion job panicked")
			w.deps.Jobs.Fail(ctx, id, fmt.Sprintf("Conversion failed: %v", r))
		}
	}()

	res, err := w.convert(ctx, modeAsync, filename, content)
	switch {
	case err != nil:
		w.deps.Jobs.Fail(ctx, id, fmt.Sprintf("Conversion failed: %v", err))
	case res.Success:
		w.deps.Jobs.Complete(ctx, id, res.OutputName)
	default:
		msg := res.Message
		if msg == "" {
			msg = "Conversion failed"
		}
		w.deps.Jobs.Fail(ctx, id, msg)
	}
}

// Job returns a snapshot of a background job.
func (w *Workflow) Job(ctx context.Context, id string) (jobs.Job, bool, error) {
	return w.deps.Jobs.Get(ctx, id)
}

// Wait blocks until every scheduled job has settled or ctx is done.
func (w *Workflow) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// convert is the sequence shared by both entry points: stage the input,
// convert it, then mirror the PDF when a publisher is configured.
func (w *Workflow) convert(ctx context.Context, mode, filename string, content []byte) (Result, error) {
	start := time.Now()
	in, err := w.deps.Staging.Stage(staging.Inbound, filename, content)
	if err != nil {
		metrics.ObserveConversion(mode, false, time.Since(start))
		return Result{}, fmt.Errorf("stage upload: %w", err)
	}

	if w.sem != nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			metrics.ObserveConversion(mode, false, time.Since(start))
			return Result{Message: "Conversion cancelled while waiting for a converter slot", InputName: in.Name}, nil
		}
		defer w.sem.Release(1)
	}

	outDir := w.deps.Staging.Dir(staging.Outbound)
	cr := w.deps.Converter.Convert(ctx, in.Path, outDir)
	res := Result{Success: cr.Success, Message: cr.Message, InputName: in.Name, Pages: cr.Pages}
	if cr.Success {
		res.OutputName = cr.OutputName
		if res.OutputName == "" {
			res.OutputName = staging.OutputName(in.Name)
		}
		w.mirror(ctx, filepath.Join(outDir, res.OutputName), res.OutputName)
	}
	metrics.ObserveConversion(mode, res.Success, time.Since(start))
	return res, nil
}

func (w *Workflow) mirror(ctx context.Context, path, name string) {
	if w.deps.Mirror == nil {
		return
	}
	if err := w.deps.Mirror.Publish(ctx, path, name); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("mirroring converted file failed")
	}
}
