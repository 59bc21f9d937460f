// Package store persists build records as one JSON document per build next
// to the artifact it describes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marlinbuild/builder/internal/models"
)

// ErrRecordCorruption reports a record file that cannot be read or parsed
var ErrRecordCorruption = errors.New("record corruption")

// ErrRecordExists reports an attempt to overwrite an existing record
var ErrRecordExists = errors.New("record already exists")

const recordExt = ".json"

// Store locates records under an output root laid out as
// <root>/<manufacturer>/<printer>/
type Store struct {
	root string
}

// New creates a store rooted at the output directory
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the output root
func (s *Store) Root() string {
	return s.root
}

// TargetDir returns the lowercased output directory of a target
func (s *Store) TargetDir(t models.Target) string {
	m, p := t.Dir()
	return filepath.Join(s.root, m, p)
}

// Append writes <artifact_base_name>.json into dir. Records are never
// rewritten; a second append for the same base name fails with
// ErrRecordExists.
func (s *Store) Append(dir string, record *models.BuildRecord) error {
	if record.ArtifactBaseName == "" {
		return fmt.Errorf("record has no artifact base name")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	path := filepath.Join(dir, record.ArtifactBaseName+recordExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrRecordExists, path)
		}
		return fmt.Errorf("failed to create record: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close record: %w", err)
	}
	return nil
}

// ListAll reads every record in dir in file name order. A missing
// directory yields no records.
func (s *Store) ListAll(dir string) ([]*models.BuildRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to list %s: %w", ErrRecordCorruption, dir, err)
	}

	var records []*models.BuildRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %w", ErrRecordCorruption, path, err)
		}

		var record models.BuildRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrRecordCorruption, path, err)
		}
		records = append(records, &record)
	}

	return records, nil
}

// ChannelGroup is the history of one channel, newest first
type ChannelGroup struct {
	Channel string                `json:"channel"`
	Records []*models.BuildRecord `json:"records"`
}

// History groups records by channel. The stable channel comes first, the
// rest follow lexically; within a group records are ordered by timestamp
// descending.
func History(records []*models.BuildRecord) []ChannelGroup {
	byChannel := make(map[string][]*models.BuildRecord)
	for _, r := range records {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}

	channels := make([]string, 0, len(byChannel))
	for c := range byChannel {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	models.SortChannels(channels)

	groups := make([]ChannelGroup, 0, len(channels))
	for _, c := range channels {
		recs := byChannel[c]
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].Timestamp > recs[j].Timestamp
		})
		groups = append(groups, ChannelGroup{Channel: c, Records: recs})
	}
	return groups
}
