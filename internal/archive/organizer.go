// Package archive moves files from the watched input directory into the
// category-structured archive tree. Moves never overwrite: name
// collisions get a numeric suffix, and a failed move leaves the source
// untouched.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrMove is returned when a file cannot be placed in the archive.
var ErrMove = errors.New("archive move failed")

// maxCollisionAttempts bounds the numeric suffix search for a free name.
const maxCollisionAttempts = 1000

// Placement describes a completed move.
type Placement struct {
	// RelativePath is the destination path relative to the archive root,
	// e.g. "Invoices/march (2).pdf".
	RelativePath string

	// AbsolutePath is the full destination path on disk.
	AbsolutePath string
}

// Organizer places files under a single archive root.
type Organizer struct {
	root string
}

// NewOrganizer creates an Organizer rooted at dir, creating it if needed.
func NewOrganizer(dir string) (*Organizer, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	return &Organizer{root: dir}, nil
}

// Root returns the archive root directory.
func (o *Organizer) Root() string {
	return o.root
}

// Place moves the file at src into the category's directory under the
// archive root. If the target name is taken, a numeric suffix is inserted
// before the extension until a free name is found. On any failure the
// source file is left where it was.
func (o *Organizer) Place(src, category string) (Placement, error) {
	if _, err := os.Stat(src); err != nil {
		return Placement{}, fmt.Errorf("%w: %v", ErrMove, err)
	}

	dir := filepath.Join(o.root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Placement{}, fmt.Errorf("%w: creating category dir: %v", ErrMove, err)
	}

	name := filepath.Base(src)
	dst, err := freeName(dir, name)
	if err != nil {
		return Placement{}, err
	}

	if err := moveFile(src, dst); err != nil {
		return Placement{}, fmt.Errorf("%w: %v", ErrMove, err)
	}

	rel, err := filepath.Rel(o.root, dst)
	if err != nil {
		rel = filepath.Join(category, filepath.Base(dst))
	}
	return Placement{RelativePath: rel, AbsolutePath: dst}, nil
}

// Undo moves an archived file back to its original location. It is the
// compensation step when indexing fails after a successful move.
func (o *Organizer) Undo(p Placement, originalPath string) error {
	if err := moveFile(p.AbsolutePath, originalPath); err != nil {
		return fmt.Errorf("%w: undoing move: %v", ErrMove, err)
	}
	return nil
}

// freeName returns an unused destination path in dir for the given base
// name, appending " (n)" before the extension on collision.
func freeName(dir, name string) (string, error) {
	dst := filepath.Join(dir, name)
	if !exists(dst) {
		return dst, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n <= maxCollisionAttempts; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %s in %s", ErrMove, name, dir)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// moveFile renames src to dst, falling back to copy-then-remove when the
// two paths live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
