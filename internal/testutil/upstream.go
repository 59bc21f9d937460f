// Package testutil provides fixtures shared by package tests: a local
// upstream git repository standing in for the firmware source.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Upstream is a throwaway repository used as the clone source
type Upstream struct {
	t    *testing.T
	Dir  string
	Repo *git.Repository
}

// NewUpstream initialises a repository with one commit holding files
func NewUpstream(t *testing.T, files map[string]string) *Upstream {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "upstream")
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init upstream: %v", err)
	}
	u := &Upstream{t: t, Dir: dir, Repo: repo}
	u.Commit("initial import", files)
	return u
}

// Commit writes files and records a commit, returning its hash
func (u *Upstream) Commit(msg string, files map[string]string) plumbing.Hash {
	u.t.Helper()
	wt, err := u.Repo.Worktree()
	if err != nil {
		u.t.Fatalf("failed to get worktree: %v", err)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		full := filepath.Join(u.Dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			u.t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(full, []byte(files[p]), 0o644); err != nil {
			u.t.Fatalf("failed to write %s: %v", p, err)
		}
		if _, err := wt.Add(p); err != nil {
			u.t.Fatalf("failed to add %s: %v", p, err)
		}
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	})
	if err != nil {
		u.t.Fatalf("failed to commit: %v", err)
	}
	return hash
}

// Tag creates a lightweight tag at HEAD
func (u *Upstream) Tag(name string) {
	u.t.Helper()
	head, err := u.Repo.Head()
	if err != nil {
		u.t.Fatalf("failed to read HEAD: %v", err)
	}
	if _, err := u.Repo.CreateTag(name, head.Hash(), nil); err != nil {
		u.t.Fatalf("failed to tag %s: %v", name, err)
	}
}

// Branch creates a branch at HEAD
func (u *Upstream) Branch(name string) {
	u.t.Helper()
	head, err := u.Repo.Head()
	if err != nil {
		u.t.Fatalf("failed to read HEAD: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := u.Repo.Storer.SetReference(ref); err != nil {
		u.t.Fatalf("failed to create branch %s: %v", name, err)
	}
}

// HeadShort returns the 7 character abbreviation of HEAD
func (u *Upstream) HeadShort() string {
	u.t.Helper()
	head, err := u.Repo.Head()
	if err != nil {
		u.t.Fatalf("failed to read HEAD: %v", err)
	}
	return head.Hash().String()[:7]
}
