// Package staging keeps uploaded documents and produced PDFs in two flat
// directories and hands out collision-free names for them.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docpdf/internal/filetype"
	"github.com/local/docpdf/internal/metrics"
)

// Area selects one of the two staging directories.
type Area int

const (
	Inbound Area = iota
	Outbound
)

func (a Area) String() string {
	switch a {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	}
	return fmt.Sprintf("area(%d)", int(a))
}

const (
	nameSeparator = "_"
	pdfExt        = ".pdf"
	readBatch     = 128
)

// TempPrefix marks files that are still being written into an area. Each
// never reports them.
const TempPrefix = ".staging-"

var (
	ErrNotFound    = errors.New("staged file not found")
	ErrInvalidName = errors.New("invalid staged file name")
)

// StagedFile describes a file placed under one of the staging areas.
type StagedFile struct {
	Area         Area
	Name         string
	OriginalName string
	Path         string
	Size         int64
	ModTime      time.Time
	ContentType  string
}

// Store is the filesystem-backed staging store.
type Store struct {
	dirs     [2]string
	detector *filetype.Detector
}

// NewStore creates both directories if needed.
func NewStore(inboundDir, outboundDir string) (*Store, error) {
	for _, dir := range []string{inboundDir, outboundDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("staging directory is empty")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return &Store{dirs: [2]string{inboundDir, outboundDir}, detector: filetype.New()}, nil
}

// Dir returns the directory backing an area.
func (s *Store) Dir(area Area) string { return s.dirs[area] }

// NewName builds "<stem>_<token><ext>" from an original file name.
func NewName(originalName, ext string) string {
	return stem(originalName) + nameSeparator + uuid.NewString() + ext
}

// OutputName predicts the PDF name the converter produces for a staged input.
func OutputName(stagedName string) string {
	return strings.TrimSuffix(stagedName, filepath.Ext(stagedName)) + pdfExt
}

func stem(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	s := strings.TrimLeft(strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base))), ". ")
	if s == "" || s == "/" {
		return "file"
	}
	return s
}

// Stage writes content under a fresh unique name. Inbound names keep the
// original extension; outbound names always end in .pdf. The write goes to a
// temporary file first so a failed stage never leaves a truncated file behind.
func (s *Store) Stage(area Area, originalName string, content []byte) (StagedFile, error) {
	ext := pdfExt
	if area == Inbound {
		ext = strings.ToLower(filepath.Ext(originalName))
	}
	name := NewName(originalName, ext)
	path := filepath.Join(s.dirs[area], name)

	tmp, err := os.CreateTemp(s.dirs[area], TempPrefix+"*")
	if err != nil {
		return StagedFile{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(content); err != nil {
		return StagedFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return StagedFile{}, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return StagedFile{}, fmt.Errorf("publish %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return StagedFile{}, fmt.Errorf("stat %s: %w", name, err)
	}
	sniffed := s.detector.DetectBytes(content, originalName)
	metrics.AddStagedBytes(area.String(), info.Size())

	log.Info().
		Str("area", area.String()).
		Str("file", name).
		Str("original_name", originalName).
		Str("mime", sniffed.MIMEType).
		Int64("size", info.Size()).
		Msg("staged file")

	sf := StagedFile{
		Area:        area,
		Name:        name,
		Path:        path,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: sniffed.MIMEType,
	}
	if area == Inbound {
		sf.OriginalName = originalName
	}
	return sf, nil
}

// Resolve checks that a staged file exists without reading it.
func (s *Store) Resolve(area Area, name string) (StagedFile, error) {
	path, err := s.path(area, name)
	if err != nil {
		return StagedFile{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StagedFile{}, ErrNotFound
		}
		return StagedFile{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return StagedFile{}, ErrNotFound
	}
	return StagedFile{Area: area, Name: name, Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Remove deletes a staged file. It reports whether something was removed and
// never fails on a missing file.
func (s *Store) Remove(area Area, name string) bool {
	path, err := s.path(area, name)
	if err != nil {
		log.Warn().Err(err).Str("area", area.String()).Str("file", name).Msg("refusing to remove")
		return false
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("area", area.String()).Str("file", name).Msg("remove: already gone")
		} else {
			log.Error().Err(err).Str("area", area.String()).Str("file", name).Msg("remove failed")
		}
		return false
	}
	log.Info().Str("area", area.String()).Str("file", name).Msg("removed staged file")
	return true
}

// Each calls fn for every regular file in the area, reading the directory in
// batches. Entries that cannot be stat'ed are logged and skipped. Returning
// false from fn stops the scan. A missing directory is treated as empty.
func (s *Store) Each(area Area, fn func(StagedFile) bool) error {
	dir := s.dirs[area]
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer f.Close()

	for {
		entries, err := f.ReadDir(readBatch)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), TempPrefix) {
				continue
			}
			info, statErr := e.Info()
			if statErr != nil {
				log.Warn().Err(statErr).Str("area", area.String()).Str("file", e.Name()).Msg("skipping entry")
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			sf := StagedFile{
				Area:    area,
				Name:    e.Name(),
				Path:    filepath.Join(dir, e.Name()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			if !fn(sf) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
	}
}

// path joins a bare file name onto the area directory, rejecting anything
// that would escape it.
func (s *Store) path(area Area, name string) (string, error) {
	if area != Inbound && area != Outbound {
		return "", fmt.Errorf("%w: unknown area %d", ErrInvalidName, int(area))
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dirs[area], name), nil
}
