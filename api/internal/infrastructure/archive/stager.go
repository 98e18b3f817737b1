// Package archive extracts packaged site content into a staging directory.
//
// Extraction is two-pass. Every entry is validated first (paths, link entries,
// limits) and only an archive that passes completely is written. A failed stage
// never leaves a partial directory behind.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// DefaultIgnorePatterns drop the metadata macOS adds when a folder is zipped in Finder.
var DefaultIgnorePatterns = []string{"__MACOSX/**", ".DS_Store", "**/.DS_Store"}

// Limits bound what a single archive may expand to.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

// DefaultLimits is used for any zero field.
var DefaultLimits = Limits{MaxEntries: 50_000, MaxBytes: 1 << 30}

// Format is the container format detected from an archive's leading bytes.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar+gzip"
	FormatTarZstd Format = "tar+zstd"
)

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar    = []byte("ustar")

	drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)
)

// Detect identifies the archive format by magic bytes.
func Detect(data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, magicZip), bytes.HasPrefix(data, magicZipEmpty):
		return FormatZip, nil
	case bytes.HasPrefix(data, magicGzip):
		return FormatTarGzip, nil
	case bytes.HasPrefix(data, magicZstd):
		return FormatTarZstd, nil
	case len(data) >= 262 && bytes.Equal(data[257:262], magicUstar):
		return FormatTar, nil
	}
	return "", fmt.Errorf("%w: unrecognized archive format", domain.ErrMalformedArchive)
}

// Stager extracts archives. It is safe for concurrent use on distinct
// destination directories.
type Stager struct {
	limits Limits
	ignore []glob.Glob
	logger *slog.Logger
}

// NewStager compiles the ignore patterns. A nil patterns slice selects
// DefaultIgnorePatterns; an empty non-nil slice disables ignoring.
func NewStager(limits Limits, patterns []string, logger *slog.Logger) (*Stager, error) {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultLimits.MaxEntries
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}
	if patterns == nil {
		patterns = DefaultIgnorePatterns
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stager{limits: limits, logger: logger}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		s.ignore = append(s.ignore, g)
	}
	return s, nil
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
)

// entry is a validated archive member.
type entry struct {
	rel  string // cleaned, slash-separated
	kind entryKind
	size int64
	mode os.FileMode
}

// visitFunc sees every member of an archive. r is nil for directories and for the
// validation pass.
type visitFunc func(e entry, r io.Reader) error

// Stage extracts data into destDir, which must not exist yet.
func (s *Stager) Stage(ctx context.Context, data []byte, destDir string) (*domain.StagedContent, error) {
	format, err := Detect(data)
	if err != nil {
		return nil, err
	}

	// Pass 1: validate everything without touching the filesystem.
	var (
		files []string
		total int64
		count int
		kinds = make(map[string]entryKind)
	)
	err = s.walk(format, data, false, func(e entry, _ io.Reader) error {
		count++
		if count > s.limits.MaxEntries {
			return fmt.Errorf("%w: more than %d entries", domain.ErrMalformedArchive, s.limits.MaxEntries)
		}
		if err := claimPath(kinds, e); err != nil {
			return err
		}
		if e.kind == kindFile {
			total += e.size
			if total > s.limits.MaxBytes {
				return fmt.Errorf("%w: expands beyond %s", domain.ErrMalformedArchive,
					humanize.IBytes(uint64(s.limits.MaxBytes)))
			}
			files = append(files, e.rel)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: archive contains no files", domain.ErrMalformedArchive)
	}

	// Pass 2: write.
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	var written int64
	err = s.walk(format, data, true, func(e entry, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(e.rel))
		if e.kind == kindDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return entryError(e.rel, err)
			}
			return nil
		}
		n, err := writeFile(target, e.rel, r, e.mode, s.limits.MaxBytes-written)
		written += n
		return err
	})
	if err != nil {
		s.cleanup(destDir)
		return nil, err
	}

	sort.Strings(files)
	files = dedupe(files)
	s.logger.Debug("Archive staged",
		slog.String("format", string(format)),
		slog.String("dir", destDir),
		slog.Int("files", len(files)),
		slog.String("size", humanize.IBytes(uint64(written))))

	return &domain.StagedContent{Dir: destDir, Files: files, Bytes: written}, nil
}

func (s *Stager) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("Failed to remove partial staging directory", slog.String("dir", dir), slog.Any("error", err))
	}
}

// walk iterates an archive, validating each member and skipping ignored ones.
// With withContent false the member bodies are never read.
func (s *Stager) walk(format Format, data []byte, withContent bool, visit visitFunc) error {
	if format == FormatZip {
		return s.walkZip(data, withContent, visit)
	}

	var src io.Reader = bytes.NewReader(data)
	switch format {
	case FormatTarGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedArchive, err)
		}
		defer zr.Close()
		src = zr
	case FormatTarZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedArchive, err)
		}
		defer zr.Close()
		src = zr
	}
	return s.walkTar(src, withContent, visit)
}

func (s *Stager) walkZip(data []byte, withContent bool, visit visitFunc) error {
	// A reader returned together with an insecure-path error is still usable; member
	// names are checked by validate either way.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if zr == nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedArchive, err)
	}

	for _, f := range zr.File {
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: link entry %q", domain.ErrPathTraversal, f.Name)
		}
		kind := kindFile
		if f.FileInfo().IsDir() {
			kind = kindDir
		} else if !mode.IsRegular() {
			return fmt.Errorf("%w: unsupported entry type for %q", domain.ErrMalformedArchive, f.Name)
		}

		e, skip, err := s.validate(f.Name, kind, int64(f.UncompressedSize64), mode)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if !withContent || kind == kindDir {
			if err := visit(e, nil); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrMalformedArchive, f.Name, err)
		}
		err = visit(e, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) walkTar(src io.Reader, withContent bool, visit visitFunc) error {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if hdr == nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedArchive, err)
		}

		var kind entryKind
		switch hdr.Typeflag {
		case tar.TypeReg:
			kind = kindFile
		case tar.TypeDir:
			kind = kindDir
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: link entry %q", domain.ErrPathTraversal, hdr.Name)
		case tar.TypeXGlobalHeader:
			continue
		default:
			return fmt.Errorf("%w: unsupported entry type %q for %q", domain.ErrMalformedArchive, hdr.Typeflag, hdr.Name)
		}

		e, skip, err := s.validate(hdr.Name, kind, hdr.Size, hdr.FileInfo().Mode())
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		var body io.Reader
		if withContent && kind == kindFile {
			body = tr
		}
		if err := visit(e, body); err != nil {
			return err
		}
	}
}

// validate turns an archive member name into a safe relative path. skip is true
// for ignored members and for the archive root itself.
func (s *Stager) validate(name string, kind entryKind, size int64, mode os.FileMode) (entry, bool, error) {
	if strings.ContainsRune(name, 0) {
		return entry{}, false, fmt.Errorf("%w: entry name contains NUL", domain.ErrMalformedArchive)
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "/") || drivePrefix.MatchString(slashed) {
		return entry{}, false, fmt.Errorf("%w: absolute entry %q", domain.ErrPathTraversal, name)
	}
	rel := path.Clean(slashed)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return entry{}, false, fmt.Errorf("%w: entry %q escapes the staging root", domain.ErrPathTraversal, name)
	}
	if rel == "." {
		return entry{}, true, nil
	}
	if size < 0 {
		return entry{}, false, fmt.Errorf("%w: negative size for %q", domain.ErrMalformedArchive, name)
	}
	if s.ignored(rel, kind) {
		return entry{}, true, nil
	}

	perm := mode.Perm() | 0o600
	if kind == kindDir {
		perm = 0o755
	}
	return entry{rel: rel, kind: kind, size: size, mode: perm}, false, nil
}

func (s *Stager) ignored(rel string, kind entryKind) bool {
	for _, g := range s.ignore {
		if g.Match(rel) || (kind == kindDir && g.Match(rel+"/")) {
			return true
		}
	}
	return false
}

// claimPath records e and its parent directories in kinds and rejects a path that
// the archive uses both as a file and as a directory.
func claimPath(kinds map[string]entryKind, e entry) error {
	for dir := path.Dir(e.rel); dir != "."; dir = path.Dir(dir) {
		if k, ok := kinds[dir]; ok && k == kindFile {
			return fmt.Errorf("%w: %q is both a file and a directory", domain.ErrMalformedArchive, dir)
		}
		kinds[dir] = kindDir
	}
	if k, ok := kinds[e.rel]; ok && k != e.kind {
		return fmt.Errorf("%w: %q is both a file and a directory", domain.ErrMalformedArchive, e.rel)
	}
	kinds[e.rel] = e.kind
	return nil
}

// entryError reports a write failure by the member's archive path so that the
// staging location never reaches the caller.
func entryError(rel string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return fmt.Errorf("%w: writing %s: %v", domain.ErrMalformedArchive, rel, err)
}

// writeFile copies at most budget bytes of r into target. Archives that carry more
// data than their headers declared are cut off at the budget.
func writeFile(target, rel string, r io.Reader, mode os.FileMode, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, entryError(rel, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, entryError(rel, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, budget+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, entryError(rel, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: content exceeds declared size limit", domain.ErrMalformedArchive)
	}
	return n, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
