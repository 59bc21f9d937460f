package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// DefaultRemoteName is the remote the mirror tracks
const DefaultRemoteName = "origin"

// Mirror is the reusable local copy of the upstream source. Only one
// resolve step may touch it at a time.
type Mirror struct {
	Dir string
	URL string

	mu sync.Mutex
}

// NewMirror creates a mirror handle; nothing touches disk until Sync
func NewMirror(dir, url string) *Mirror {
	return &Mirror{Dir: dir, URL: url}
}

// sync clones the mirror when absent and fetches it otherwise
func (m *Mirror) sync(ctx context.Context) (*git.Repository, error) {
	if _, err := os.Stat(filepath.Join(m.Dir, ".git")); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, unavailable("failed to stat mirror", err)
		}
		return m.clone(ctx)
	}

	repo, err := git.PlainOpen(m.Dir)
	if err != nil {
		return nil, unavailable("failed to open mirror", err)
	}

	slog.Info("Fetching upstream", slog.String("url", m.URL), slog.String("path", m.Dir))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, unavailable("failed to fetch "+m.URL, err)
	}
	return repo, nil
}

// clone populates an absent or empty mirror directory. The clone lands in a
// sibling directory first so a failed clone never touches Dir.
func (m *Mirror) clone(ctx context.Context) (*git.Repository, error) {
	entries, err := os.ReadDir(m.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, unavailable("failed to read mirror directory", err)
	case len(entries) > 0:
		return nil, unavailable(fmt.Sprintf("mirror directory %s exists and is not a git repository", m.Dir), nil)
	}

	parent := filepath.Dir(m.Dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, unavailable("failed to create mirror parent directory", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(m.Dir)+"-clone-")
	if err != nil {
		return nil, unavailable("failed to create clone directory", err)
	}

	slog.Info("Cloning upstream", slog.String("url", m.URL), slog.String("path", m.Dir))
	if _, err := git.PlainCloneContext(ctx, tmp, false, &git.CloneOptions{
		URL:        m.URL,
		RemoteName: DefaultRemoteName,
		Tags:       git.AllTags,
	}); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, unavailable("failed to clone "+m.URL, err)
	}

	// Dir is absent or empty here
	if err := os.Remove(m.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.RemoveAll(tmp)
		return nil, unavailable("failed to replace empty mirror directory", err)
	}
	if err := os.Rename(tmp, m.Dir); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, unavailable("failed to move clone into place", err)
	}

	repo, err := git.PlainOpen(m.Dir)
	if err != nil {
		return nil, unavailable("failed to open mirror", err)
	}
	return repo, nil
}

// resolveRef turns a branch, tag or revision into a commit hash. Remote
// branches win over tags so channel branches track upstream.
func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(DefaultRemoteName, ref),
		plumbing.NewTagReferenceName(ref),
		plumbing.NewBranchReferenceName(ref),
	}
	for _, name := range candidates {
		if _, err := repo.Reference(name, true); err != nil {
			continue
		}
		hash, err := repo.ResolveRevision(plumbing.Revision(name.String()))
		if err == nil {
			return *hash, nil
		}
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, unavailable("cannot resolve ref "+ref, err)
	}
	return *hash, nil
}

func checkout(repo *git.Repository, hash plumbing.Hash) error {
	wt, err := repo.Worktree()
	if err != nil {
		return unavailable("failed to open worktree", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return unavailable("failed to checkout "+hash.String(), err)
	}
	return nil
}
