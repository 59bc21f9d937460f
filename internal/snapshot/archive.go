package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// writeArchive writes the commit's tree as a tar file. Entries follow tree
// order and carry the commit time, so the archive is reproducible.
func writeArchive(commit *object.Commit, dest string) error {
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("failed to read tree: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".snapshot-*.tar")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	tw := tar.NewWriter(tmp)
	mtime := commit.Committer.When

	err = tree.Files().ForEach(func(f *object.File) error {
		return addFile(tw, f, mtime)
	})
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to archive tree: %w", err)
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, f *object.File, mtime time.Time) error {
	hdr := &tar.Header{
		Name:    f.Name,
		ModTime: mtime.UTC(),
		Format:  tar.FormatPAX,
	}

	switch f.Mode {
	case filemode.Symlink:
		target, err := f.Contents()
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0o777
		return tw.WriteHeader(hdr)
	case filemode.Executable:
		hdr.Mode = 0o755
	default:
		hdr.Mode = 0o644
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = f.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(tw, r)
	return err
}
