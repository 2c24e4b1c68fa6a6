// Package dumpfile inspects and stages uploaded source database dumps.
package dumpfile

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNoDatabaseName is returned when neither the dump nor the fallback
// names a database.
var ErrNoDatabaseName = errors.New("dumpfile: no database name declared in dump and no fallback configured")

// ErrInvalidName is returned when a declared or fallback name cannot be used
// as a database identifier.
var ErrInvalidName = errors.New("dumpfile: invalid database name")

// NameSource records where a resolved database name came from.
type NameSource string

const (
	SourceCreate   NameSource = "create"
	SourceUse      NameSource = "use"
	SourceFallback NameSource = "fallback"
)

// Resolution is the outcome of resolving a dump's database name.
type Resolution struct {
	Name   string
	Source NameSource
}

// scanPrefix bounds how much of each line is inspected. Dumps carry
// multi-megabyte INSERT lines; declarations are always short.
const scanPrefix = 4096

var (
	// Matches mysqldump's `CREATE DATABASE /*!32312 IF NOT EXISTS*/ `name``
	// as well as plain CREATE DATABASE / CREATE SCHEMA statements.
	createRe = regexp.MustCompile("(?i)^\\s*CREATE\\s+(?:DATABASE|SCHEMA)\\s+" +
		"(?:/\\*!\\d+\\s+IF\\s+NOT\\s+EXISTS\\s*\\*/\\s*|IF\\s+NOT\\s+EXISTS\\s+)?" +
		"(?:`([^`]+)`|\"([^\"]+)\"|([A-Za-z0-9_$]+))")
	useRe = regexp.MustCompile("(?i)^\\s*USE\\s+(?:`([^`]+)`|\"([^\"]+)\"|([A-Za-z0-9_$]+))\\s*;?")

	validName = regexp.MustCompile(`^[A-Za-z0-9_$][A-Za-z0-9_$-]{0,63}$`)
)

// ResolveName scans the dump at path for the first explicit create-database
// or use-database declaration. If none exists, fallback is used. Gzip
// compressed dumps are decompressed transparently.
func ResolveName(path, fallback string) (Resolution, error) {
	f, err := os.Open(path) //nolint:gosec // path is a session-owned upload
	if err != nil {
		return Resolution{}, fmt.Errorf("dumpfile: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := maybeGunzip(f)
	if err != nil {
		return Resolution{}, err
	}

	res, found, err := scanDeclaration(r)
	if err != nil {
		return Resolution{}, err
	}
	if !found {
		if fallback == "" {
			return Resolution{}, ErrNoDatabaseName
		}
		res = Resolution{Name: fallback, Source: SourceFallback}
	}
	if !validName.MatchString(res.Name) {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidName, res.Name)
	}
	return res, nil
}

// scanDeclaration returns the first declaration found in r.
func scanDeclaration(r io.Reader) (Resolution, bool, error) {
	br := bufio.NewReaderSize(r, scanPrefix)
	for {
		line, err := br.ReadSlice('\n')
		if res, ok := matchDeclaration(line); ok {
			return res, true, nil
		}
		// Skip the remainder of an overlong line.
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}
		if errors.Is(err, io.EOF) {
			return Resolution{}, false, nil
		}
		if err != nil {
			return Resolution{}, false, fmt.Errorf("dumpfile: read: %w", err)
		}
	}
}

func matchDeclaration(line []byte) (Resolution, bool) {
	if m := createRe.FindSubmatch(line); m != nil {
		return Resolution{Name: firstGroup(m), Source: SourceCreate}, true
	}
	if m := useRe.FindSubmatch(line); m != nil {
		return Resolution{Name: firstGroup(m), Source: SourceUse}, true
	}
	return Resolution{}, false
}

func firstGroup(m [][]byte) string {
	for _, g := range m[1:] {
		if len(g) > 0 {
			return string(g)
		}
	}
	return ""
}

var gzipMagic = []byte{0x1f, 0x8b}

func maybeGunzip(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("dumpfile: read: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		return br, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("dumpfile: gzip: %w", err)
	}
	return zr, nil
}

// IsGzip reports whether the file at path is gzip compressed.
func IsGzip(path string) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // path is a session-owned upload
	if err != nil {
		return false, fmt.Errorf("dumpfile: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 2)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("dumpfile: read: %w", err)
	}
	return n == 2 && bytes.Equal(head, gzipMagic), nil
}

// Stage copies the dump into dir under a stable name and returns the new
// path. The file keeps a .sql or .sql.gz suffix so the source engine's init
// mechanism recognizes it.
func Stage(src, dir string) (string, error) {
	gz, err := IsGzip(src)
	if err != nil {
		return "", err
	}
	name := "source.sql"
	if gz {
		name = "source.sql.gz"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // the database container must traverse it
		return "", fmt.Errorf("dumpfile: create workspace: %w", err)
	}
	dst := filepath.Join(dir, name)

	in, err := os.Open(src) //nolint:gosec // path is a session-owned upload
	if err != nil {
		return "", fmt.Errorf("dumpfile: open: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // read by the database container
	if err != nil {
		return "", fmt.Errorf("dumpfile: create copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("dumpfile: copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("dumpfile: close copy: %w", err)
	}
	return dst, nil
}
