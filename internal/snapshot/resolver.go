// Package snapshot resolves a channel/ref against the upstream mirror and
// archives the resolved revision for the run's target builds.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/models"
)

// ShortHashLength matches the default abbreviation of git rev-parse --short
const ShortHashLength = 7

// Resolver produces snapshots from a mirror
type Resolver struct {
	mirror  *Mirror
	workDir string
	timeout time.Duration
}

// NewResolver creates a resolver writing archives to workDir. A zero
// timeout leaves version-control work unbounded.
func NewResolver(mirror *Mirror, workDir string, timeout time.Duration) *Resolver {
	return &Resolver{mirror: mirror, workDir: workDir, timeout: timeout}
}

// Resolve syncs the mirror, checks out ref and archives it. The mirror is
// fully settled before Resolve returns.
func (r *Resolver) Resolve(ctx context.Context, channel, ref string) (*models.Snapshot, error) {
	if channel == "" {
		return nil, unavailable("channel is required", nil)
	}
	if ref == "" {
		ref = channel
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.mirror.mu.Lock()
	defer r.mirror.mu.Unlock()

	repo, err := r.mirror.sync(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	if err := checkout(repo, hash); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, unavailable("resolve interrupted", err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, unavailable("failed to read commit", err)
	}

	short := hash.String()[:ShortHashLength]
	version := models.VersionString(channel, ref, short)

	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return nil, unavailable("failed to create work directory", err)
	}
	archivePath := filepath.Join(r.workDir, fmt.Sprintf("marlin-%s.tar", version))
	if err := writeArchive(commit, archivePath); err != nil {
		return nil, unavailable("failed to archive "+short, err)
	}

	slog.Info("Resolved source snapshot",
		slog.String("channel", channel),
		slog.String("ref", ref),
		slog.String("commit", short),
		slog.String("version", version),
		slog.String("archive", archivePath))

	return &models.Snapshot{
		Channel:       channel,
		RequestedRef:  ref,
		CommitShort:   short,
		VersionString: version,
		ArchivePath:   archivePath,
	}, nil
}

// Release removes the snapshot archive. Failure is logged only.
func (r *Resolver) Release(s *models.Snapshot) {
	if s == nil || s.ArchivePath == "" {
		return
	}
	if err := os.Remove(s.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove snapshot archive",
			slog.String("archive", s.ArchivePath),
			logging.Error(err))
	}
}
