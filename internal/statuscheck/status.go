package statuscheck

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/local/docpdf/internal/staging"
)

// Pinger models the minimal Redis capability we need for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker reports whether the mirror bucket is reachable.
type BucketChecker interface {
	CheckBucket(ctx context.Context) error
}

// Checker aggregates health checks for the converter and its optional backends.
type Checker struct {
	sofficePath string
	uploadDir   string
	outputDir   string
	redis       Pinger
	bucket      BucketChecker
}

// Options configures the Checker. Redis and Bucket may be nil when the
// corresponding backend is not configured.
type Options struct {
	SofficePath string
	UploadDir   string
	OutputDir   string
	Redis       Pinger
	Bucket      BucketChecker
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	LibreOffice Status `json:"libreoffice"`
	UploadDir   Status `json:"upload_dir"`
	OutputDir   Status `json:"output_dir"`
	Redis       Status `json:"redis"`
	S3          Status `json:"s3"`
}

// Healthy is true when every subsystem reports OK.
func (s Summary) Healthy() bool {
	return s.LibreOffice.OK && s.UploadDir.OK && s.OutputDir.OK && s.Redis.OK && s.S3.OK
}

func New(opts Options) *Checker {
	if opts.SofficePath == "" {
		opts.SofficePath = "soffice"
	}
	return &Checker{
		sofficePath: opts.SofficePath,
		uploadDir:   opts.UploadDir,
		outputDir:   opts.OutputDir,
		redis:       opts.Redis,
		bucket:      opts.Bucket,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		LibreOffice: c.checkLibreOffice(),
		UploadDir:   checkWritable(c.uploadDir),
		OutputDir:   checkWritable(c.outputDir),
		Redis:       c.checkRedis(ctx),
		S3:          c.checkS3(ctx),
	}
}

func (c *Checker) checkLibreOffice() Status {
	if _, err := exec.LookPath(c.sofficePath); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

func checkWritable(dir string) Status {
	info, err := os.Stat(dir)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	if !info.IsDir() {
		return Status{OK: false, Message: "Not a directory"}
	}
	f, err := os.CreateTemp(dir, staging.TempPrefix+"health-*")
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return Status{OK: true, Message: "Writable"}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: true, Message: "Not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.bucket == nil {
		return Status{OK: true, Message: "Not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.bucket.CheckBucket(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
