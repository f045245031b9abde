//go:build linux

package wsbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func init() {
	Register("reflink", newReflinkBackend)
}

// reflinkBackend materializes a workspace the same way copyBackend does
// (content-addressed blobs written out by path, manifest-tracked diffing)
// but additionally keeps a cache of each blob's last-written file under
// GitDir/manifold-reflink-cache and tries to clone from it with the
// FICLONE ioctl (copy-on-write, near-instant on btrfs/xfs/reflink-capable
// filesystems) before falling back to a byte copy. The fallback makes this
// backend safe to select unconditionally: the engine never needs to probe
// for reflink support itself.
type reflinkBackend struct {
	copyBackend
	cacheDir string
}

func newReflinkBackend(repoRoot string) (Backend, error) {
	s, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("wsbackend: open object store: %w", err)
	}
	return &reflinkBackend{
		copyBackend: copyBackend{store: s, baseDir: filepath.Join(s.GitDir, "manifold-workspaces")},
		cacheDir:    filepath.Join(s.GitDir, "manifold-reflink-cache"),
	}, nil
}

func (r *reflinkBackend) Name() string { return "reflink" }

func (r *reflinkBackend) Create(ctx context.Context, id string, epoch oid.EpochId) (Info, error) {
	path := r.WorkspacePath(id)
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if exists {
		if err := r.Destroy(ctx, id); err != nil {
			return Info{}, fmt.Errorf("wsbackend: recreate %s: %w", id, err)
		}
	}

	commit, err := r.store.ReadCommit(ctx, epoch.OID())
	if err != nil {
		return Info{}, fmt.Errorf("wsbackend: read epoch commit: %w", err)
	}
	entries, err := r.store.ListTreeRecursive(ctx, commit.Tree)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Info{}, fmt.Errorf("wsbackend: mkdir workspace: %w", err)
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return Info{}, fmt.Errorf("wsbackend: mkdir reflink cache: %w", err)
	}

	for _, e := range entries {
		if e.Mode == "160000" || e.Mode == "120000" {
			continue
		}
		dst := filepath.Join(path, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			_ = os.RemoveAll(path)
			return Info{}, err
		}
		if err := r.materializeOne(ctx, e, dst); err != nil {
			_ = os.RemoveAll(path)
			return Info{}, err
		}
	}
	if err := writeManifest(path, epoch, entries); err != nil {
		_ = os.RemoveAll(path)
		return Info{}, err
	}

	ref := "refs/manifold/ws/" + id
	if err := r.store.CASRef(ctx, ref, oid.Zero, epoch.OID()); err != nil {
		_ = os.RemoveAll(path)
		return Info{}, fmt.Errorf("wsbackend: mint workspace ref: %w", err)
	}

	return Info{ID: id, Path: path, Epoch: epoch, State: StateActive}, nil
}

// materializeOne writes one blob to dst, preferring a reflink clone of a
// previously-cached copy of the same content and falling back to a full
// byte copy (first write of a given blob, or a filesystem without
// reflink/CoW support).
func (r *reflinkBackend) materializeOne(ctx context.Context, e objectstore.FlatEntry, dst string) error {
	perm := os.FileMode(0o644)
	if e.Mode == "100755" {
		perm = 0o755
	}

	cached := filepath.Join(r.cacheDir, e.OID.String())
	if _, err := os.Stat(cached); err == nil {
		if reflinkClone(cached, dst) == nil {
			return os.Chmod(dst, perm)
		}
	}

	data, err := r.store.ReadBlob(ctx, e.OID)
	if err != nil {
		return fmt.Errorf("wsbackend: read blob for %s: %w", e.Path, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("wsbackend: write %s: %w", dst, err)
	}
	if _, err := os.Stat(cached); os.IsNotExist(err) {
		_ = os.WriteFile(cached, data, 0o644)
	}
	return nil
}

// reflinkClone attempts a copy-on-write clone of src onto dst via the
// FICLONE ioctl. When the filesystem does not support it, the bytes are
// copied through the already-open descriptors instead; a non-nil error
// means neither the clone nor that copy succeeded, which callers treat as
// "fall back to writing the blob", not as a fatal condition.
func reflinkClone(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		// Not reflink-capable (EOPNOTSUPP/EXDEV/EINVAL among others):
		// fall back to a plain copy of the already-open descriptors.
		if _, serr := in.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		if _, cerr := io.Copy(out, in); cerr != nil {
			return cerr
		}
		return nil
	}
	return nil
}
