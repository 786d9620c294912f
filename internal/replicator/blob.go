package replicator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/roach88/geosync/internal/checksum"
	"github.com/roach88/geosync/internal/geo"
)

// StrategyBlob is the registered name of BlobStrategy.
const StrategyBlob = "blob"

// BlobStrategy replicates immutable files. Blobs are created once and never
// updated, so it only reacts to created events.
type BlobStrategy struct {
	root      string
	downloads BlobDownloader
}

// NewBlobStrategy is the Constructor for StrategyBlob.
func NewBlobStrategy(deps Deps) (Strategy, error) {
	if deps.StorageRoot == "" {
		return nil, errors.New("blob strategy: storage root is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("blob strategy: blob downloader is required")
	}
	return &BlobStrategy{root: deps.StorageRoot, downloads: deps.Blobs}, nil
}

func (s *BlobStrategy) Name() string { return StrategyBlob }

func (s *BlobStrategy) Handles(kind geo.EventKind) bool {
	return kind == geo.EventCreated
}

// Path returns where the local copy of res is stored.
func (s *BlobStrategy) Path(res geo.Resource) string {
	return filepath.Join(s.root, string(res.Type), strconv.FormatInt(res.ID, 10))
}

// Replicate downloads into a temporary file next to the destination and
// renames it into place, so a failed transfer never leaves a partial blob.
func (s *BlobStrategy) Replicate(ctx context.Context, res geo.Resource) error {
	dst := s.Path(res)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("replicate %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("replicate %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	defer os.Remove(tmp.Name()) // No-op after rename

	if err := s.downloads.Download(ctx, res, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("replicate %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replicate %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return nil
}

func (s *BlobStrategy) Remove(_ context.Context, res geo.Resource) error {
	if err := os.Remove(s.Path(res)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return nil
}

// Checksum is the SHA-256 of the local file.
func (s *BlobStrategy) Checksum(_ context.Context, res geo.Resource) (string, error) {
	return checksum.File(s.Path(res))
}
