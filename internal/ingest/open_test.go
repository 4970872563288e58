package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var sb strings.Builder
	w := gzip.NewWriter(&sb)
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return []byte(sb.String())
}

func zstdBytes(t *testing.T, data string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(data), nil)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content []byte
		format  string
		want    int
	}{
		{"plain csv", "a.csv", []byte(sampleCSVLog), FormatAuto, 3},
		{"gzip csv", "b.csv.gz", gzipBytes(t, sampleCSVLog), FormatAuto, 3},
		{"zstd json", "c.json.zst", zstdBytes(t, sampleJSONLog), FormatAuto, 2},
		{"sniffed json", "postgresql.log", []byte("\n  " + sampleJSONLog), FormatAuto, 2},
		{"sniffed csv", "postgresql-2.log", []byte(sampleCSVLog), "", 3},
		{"explicit format", "d.txt", []byte(sampleJSONLog), FormatJSONLog, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			f, err := Open(path, tt.format, nil)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer f.Close()

			if f.Source() != tt.file {
				t.Errorf("expected source %s, got %s", tt.file, f.Source())
			}
			records, unreadable, err := ReadAll(f)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if len(records) != tt.want || unreadable != 0 {
				t.Errorf("expected %d records, got %d (%d unreadable)", tt.want, len(records), unreadable)
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.csv"), FormatAuto, nil); err == nil {
		t.Error("expected error for missing file")
	}

	broken := filepath.Join(dir, "broken.csv.gz")
	writeFile(t, broken, []byte("not gzip"))
	if _, err := Open(broken, FormatAuto, nil); err == nil {
		t.Error("expected error for corrupt gzip")
	}

	plain := filepath.Join(dir, "x.csv")
	writeFile(t, plain, []byte(sampleCSVLog))
	if _, err := Open(plain, "syslog", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", "c.json"} {
		writeFile(t, filepath.Join(dir, name), nil)
	}

	files, err := Expand([]string{filepath.Join(dir, "*.csv"), filepath.Join(dir, "a.csv")})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.csv" || filepath.Base(files[1]) != "b.csv" {
		t.Errorf("unexpected files %v", files)
	}

	if _, err := Expand([]string{filepath.Join(dir, "*.zst")}); err == nil {
		t.Error("expected error for pattern without matches")
	}
}
