package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore keeps artifact contents on disk, addressed by their sha256 digest:
//
//	<root>/sha256/<first two hex chars>/<digest>
//
// Identical content is stored once.
type BlobStore struct {
	root string
}

// NewBlobStore creates the store directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sha256"), 0755); err != nil {
		return nil, fmt.Errorf("blobs: create root: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Path returns where the blob with the given digest lives.
func (b *BlobStore) Path(digest string) string {
	prefix := digest
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(b.root, "sha256", prefix, digest)
}

// Put copies the file at src into the store and returns its digest and size.
func (b *BlobStore) Put(src string) (digest string, size int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("blobs: open %q: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(b.root, ".incoming-*")
	if err != nil {
		return "", 0, fmt.Errorf("blobs: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), in)
	if err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("blobs: copy %q: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("blobs: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blobs: close: %w", err)
	}

	digest = hex.EncodeToString(h.Sum(nil))
	dst := b.Path(digest)
	if _, err := os.Stat(dst); err == nil {
		return digest, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, fmt.Errorf("blobs: create dir: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, fmt.Errorf("blobs: store %s: %w", digest, err)
	}
	return digest, size, nil
}

// Has reports whether the blob exists.
func (b *BlobStore) Has(digest string) bool {
	_, err := os.Stat(b.Path(digest))
	return err == nil
}
