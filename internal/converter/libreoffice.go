package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/docpdf/internal/metrics"
)

// Reason labels the outcome of one conversion attempt.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonBinaryNotFound Reason = "binary_not_found"
	ReasonExitStatus     Reason = "exit_status"
	ReasonTimeout        Reason = "timeout"
	ReasonOutputMissing  Reason = "output_missing"
	ReasonCancelled      Reason = "cancelled"
	ReasonUnexpected     Reason = "unexpected"
)

const (
	defaultTimeout = 300 * time.Second
	// waitDelay bounds how long Wait blocks on inherited pipes after the process is killed.
	waitDelay     = 5 * time.Second
	maxStderrSize = 4 << 10
)

// Options configures the LibreOffice invoker.
type Options struct {
	BinaryPath      string
	Timeout         time.Duration
	IsolatedProfile bool
}

// LibreOffice runs one headless soffice process per conversion. It keeps no
// state between calls and places no limit on how many run at once.
type LibreOffice struct {
	binary   string
	timeout  time.Duration
	isolated bool
}

// Result represents the result of a conversion operation
type Result struct {
	Success    bool
	Message    string
	Reason     Reason
	OutputPath string
	OutputName string
	Pages      int
	Duration   time.Duration
}

// NewLibreOffice creates a new LibreOffice converter instance
func NewLibreOffice(opts Options) *LibreOffice {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "soffice"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &LibreOffice{binary: opts.BinaryPath, timeout: opts.Timeout, isolated: opts.IsolatedProfile}
}

// Binary returns the configured converter executable.
func (l *LibreOffice) Binary() string { return l.binary }

// Timeout returns the per-call limit.
func (l *LibreOffice) Timeout() time.Duration { return l.timeout }

// ConvertToPDF is the blocking form of Convert.
func (l *LibreOffice) ConvertToPDF(inputPath, outputDir string) Result {
	return l.Convert(context.Background(), inputPath, outputDir)
}

// Convert runs the converter on inputPath, writing into outputDir. It succeeds
// only when the process exits zero and the predicted PDF exists afterwards.
// Every failure is folded into the Result; nothing is returned as an error.
func (l *LibreOffice) Convert(ctx context.Context, inputPath, outputDir string) Result {
	start := time.Now()
	res := l.run(ctx, inputPath, outputDir)
	res.Duration = time.Since(start)
	metrics.IncConverterOutcome(string(res.Reason))

	ev := log.Info()
	if !res.Success {
		ev = log.Error()
	}
	ev.Str("input", inputPath).
		Str("reason", string(res.Reason)).
		Dur("duration", res.Duration).
		Msg(res.Message)
	return res
}

func (l *LibreOffice) run(ctx context.Context, inputPath, outputDir string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failure(ReasonUnexpected, fmt.Sprintf("Unexpected error during conversion: %v", r))
		}
	}()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return failure(ReasonUnexpected, fmt.Sprintf("Unexpected error during conversion: create output directory: %v", err))
	}

	args := []string{"--headless", "--convert-to", "pdf", "--outdir", outputDir, inputPath}
	if l.isolated {
		// concurrent soffice processes must not share a user profile
		profileDir := filepath.Join(os.TempDir(), "docpdf_profile_"+uuid.NewString())
		defer os.RemoveAll(profileDir)
		profileURL := url.URL{Scheme: "file", Path: profileDir}
		args = append([]string{"-env:UserInstallation=" + profileURL.String()}, args...)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("LibreOffice command")

	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return failure(ReasonBinaryNotFound, fmt.Sprintf("LibreOffice not found at %s", l.binary))
		case ctx.Err() != nil:
			return failure(ReasonCancelled, "Conversion cancelled before start")
		default:
			return failure(ReasonUnexpected, fmt.Sprintf("Unexpected error during conversion: %v", err))
		}
	}

	// Wait always runs after a successful Start so the child is reaped even
	// when the context kills it.
	waitErr := cmd.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return failure(ReasonCancelled, "Conversion cancelled")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return failure(ReasonTimeout, fmt.Sprintf("Conversion timeout after %s", l.timeout))
		case errors.As(waitErr, &exitErr):
			return failure(ReasonExitStatus, fmt.Sprintf("Conversion failed: %s", stderrText(&stderr, waitErr)))
		default:
			return failure(ReasonUnexpected, fmt.Sprintf("Unexpected error during conversion: %v", waitErr))
		}
	}

	outputPath := ExpectedOutputPath(inputPath, outputDir)
	info, err := os.Stat(outputPath)
	if err != nil || !info.Mode().IsRegular() {
		return failure(ReasonOutputMissing, "PDF file not found after conversion")
	}

	return Result{
		Success:    true,
		Message:    "Conversion completed successfully",
		Reason:     ReasonOK,
		OutputPath: outputPath,
		OutputName: filepath.Base(outputPath),
		Pages:      pageCount(outputPath),
	}
}

// ExpectedOutputPath is where LibreOffice writes the PDF for inputPath.
func ExpectedOutputPath(inputPath, outputDir string) string {
	baseName := filepath.Base(inputPath)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	return filepath.Join(outputDir, nameWithoutExt+".pdf")
}

// pageCount is informational; an unreadable PDF is not a conversion failure.
func pageCount(path string) int {
	n, err := api.PageCountFile(path)
	if err != nil {
		log.Debug().Err(err).Str("file", path).Msg("page count unavailable")
		return 0
	}
	return n
}

func failure(reason Reason, msg string) Result {
	return Result{Success: false, Message: msg, Reason: reason}
}

func stderrText(buf *bytes.Buffer, err error) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return err.Error()
	}
	if len(s) > maxStderrSize {
		s = s[:maxStderrSize] + "..."
	}
	return s
}
