// Package snapshots provides file-based storage for named workload
// snapshots.
package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fidde/pgworkload/pkg/models"
	"github.com/klauspost/compress/zstd"
)

// Default configuration values
const (
	DefaultDir             = "./data/snapshots"
	DefaultMaxSnapshotSize = 100 * 1024 * 1024 // 100MB, uncompressed
	DefaultMaxSnapshots    = 50
	FileExtension          = ".json.zst"
	CurrentVersion         = 1
)

// Config contains snapshot storage configuration.
type Config struct {
	// Dir is the directory where snapshots are stored
	Dir string

	// MaxSnapshotSize is the maximum encoded size of a single snapshot in bytes
	MaxSnapshotSize int64

	// MaxSnapshots is the maximum number of snapshots to keep
	MaxSnapshots int
}

// DefaultConfig returns the default snapshot storage configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             DefaultDir,
		MaxSnapshotSize: DefaultMaxSnapshotSize,
		MaxSnapshots:    DefaultMaxSnapshots,
	}
}

// Store is a file-based snapshot storage.
type Store struct {
	config Config
	mu     sync.RWMutex
}

// New creates a snapshot store, creating its directory if needed.
// Zero limits select the defaults.
func New(config Config) (*Store, error) {
	if config.Dir == "" {
		config.Dir = DefaultDir
	}
	if config.MaxSnapshotSize <= 0 {
		config.MaxSnapshotSize = DefaultMaxSnapshotSize
	}
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = DefaultMaxSnapshots
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	return &Store{config: config}, nil
}

// Save writes a snapshot to disk, replacing one with the same name.
func (s *Store) Save(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil {
		return errors.New("snapshot cannot be nil")
	}
	if err := models.ValidateSnapshotName(snap.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.listMetadataLocked()
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	exists := false
	for _, meta := range existing {
		if meta.Name == snap.Name {
			exists = true
			break
		}
	}
	if !exists && len(existing) >= s.config.MaxSnapshots {
		return models.ErrTooManySnapshots
	}

	snap.Version = CurrentVersion
	if snap.Created.IsZero() {
		snap.Created = time.Now().UTC()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if int64(len(data)) > s.config.MaxSnapshotSize {
		return models.ErrSnapshotTooLarge
	}

	if err := writeZstd(s.path(snap.Name), data); err != nil {
		return fmt.Errorf("writing snapshot file: %w", err)
	}
	return nil
}

// Load reads a snapshot from disk.
func (s *Store) Load(ctx context.Context, name string) (*models.Snapshot, error) {
	if err := models.ValidateSnapshotName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadLocked(s.path(name))
}

func (s *Store) loadLocked(path string) (*models.Snapshot, error) {
	data, err := readZstd(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	if snap.Version > CurrentVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, CurrentVersion)
	}
	return &snap, nil
}

// Delete removes a snapshot from disk.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := models.ValidateSnapshotName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return models.ErrSnapshotNotFound
	}
	if err != nil {
		return fmt.Errorf("removing snapshot file: %w", err)
	}
	return nil
}

// List returns metadata for all saved snapshots, newest first.
func (s *Store) List(ctx context.Context) ([]*models.SnapshotMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listMetadataLocked()
}

// GetMetadata returns metadata for one snapshot.
func (s *Store) GetMetadata(ctx context.Context, name string) (*models.SnapshotMetadata, error) {
	if err := models.ValidateSnapshotName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.path(name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}

	snap, err := s.loadLocked(path)
	if err != nil {
		return nil, err
	}
	return metadata(snap, info.Size()), nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.config.Dir, name+FileExtension)
}

func metadata(snap *models.Snapshot, size int64) *models.SnapshotMetadata {
	return &models.SnapshotMetadata{
		Name:        snap.Name,
		Description: snap.Description,
		Created:     snap.Created,
		SizeBytes:   size,
		Stats:       snap.Stats,
	}
}

// listMetadataLocked lists all snapshot metadata (must hold lock).
func (s *Store) listMetadataLocked() ([]*models.SnapshotMetadata, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	var out []*models.SnapshotMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExtension) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snap, err := s.loadLocked(filepath.Join(s.config.Dir, entry.Name()))
		if err != nil {
			continue // Skip corrupted files
		}

		meta := metadata(snap, info.Size())
		meta.Name = strings.TrimSuffix(entry.Name(), FileExtension)
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

// writeZstd writes data to a zstd-compressed file via a temporary file, so a
// failed write never leaves a truncated snapshot behind.
func writeZstd(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		tmp.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readZstd reads data from a zstd-compressed file.
func readZstd(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(dec)
}
