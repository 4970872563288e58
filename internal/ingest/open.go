package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// File is a Reader over an opened log file.
type File struct {
	Reader
	closers []io.Closer
}

// Close releases the decompressor and the file.
func (f *File) Close() error {
	var firstErr error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens a log file. Files ending in .gz or .zst are decompressed on the
// fly. With FormatAuto the format is taken from the remaining extension
// (.csv for csvlog, .json or .jsonl for jsonlog) or sniffed from the content.
func Open(path, format string, loc *time.Location) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	file := &File{closers: []io.Closer{f}}

	var r io.Reader = f
	name := path
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
		}
		file.closers = append(file.closers, gz)
		r = gz
		name = strings.TrimSuffix(path, filepath.Ext(path))
	case ".zst":
		dec, err := zstd.NewReader(f)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening zstd stream %s: %w", path, err)
		}
		rc := dec.IOReadCloser()
		file.closers = append(file.closers, rc)
		r = rc
		name = strings.TrimSuffix(path, filepath.Ext(path))
	}

	if format == "" || format == FormatAuto {
		format = formatFromExt(name)
	}
	reader, err := NewReader(r, filepath.Base(path), format, loc)
	if err != nil {
		file.Close()
		return nil, err
	}
	file.Reader = reader
	return file, nil
}

func formatFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSVLog
	case ".json", ".jsonl":
		return FormatJSONLog
	}
	return FormatAuto
}

// NewReader wraps r in the reader for format. FormatAuto sniffs the first
// non-blank byte: '{' selects jsonlog, anything else csvlog.
func NewReader(r io.Reader, source, format string, loc *time.Location) (Reader, error) {
	if format == "" || format == FormatAuto {
		br := bufio.NewReader(r)
		format = sniffFormat(br)
		r = br
	}

	switch format {
	case FormatCSVLog:
		return NewCSVReader(r, source, loc), nil
	case FormatJSONLog:
		return NewJSONReader(r, source, loc), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s (supported: csvlog, jsonlog)", format)
	}
}

func sniffFormat(br *bufio.Reader) string {
	for n := 1; ; n++ {
		peek, err := br.Peek(n)
		if len(peek) < n {
			return FormatCSVLog
		}
		switch c := peek[n-1]; c {
		case ' ', '\t', '\r', '\n':
			if err != nil {
				return FormatCSVLog
			}
			continue
		case '{':
			return FormatJSONLog
		default:
			return FormatCSVLog
		}
	}
}

// Expand resolves glob patterns to a sorted, de-duplicated list of files.
// A pattern without matches is an error.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
