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

// StrategyRepository is the registered name of RepositoryStrategy.
const StrategyRepository = "repository"

// RepositoryStrategy replicates mutable git repositories as bare mirrors.
// Repositories change in place, so it reacts to updated and deleted events.
type RepositoryStrategy struct {
	root  string
	repos RepositoryFetcher
}

// NewRepositoryStrategy is the Constructor for StrategyRepository.
func NewRepositoryStrategy(deps Deps) (Strategy, error) {
	if deps.StorageRoot == "" {
		return nil, errors.New("repository strategy: storage root is required")
	}
	if deps.Repos == nil {
		return nil, errors.New("repository strategy: repository fetcher is required")
	}
	return &RepositoryStrategy{root: deps.StorageRoot, repos: deps.Repos}, nil
}

func (s *RepositoryStrategy) Name() string { return StrategyRepository }

func (s *RepositoryStrategy) Handles(kind geo.EventKind) bool {
	return kind == geo.EventUpdated || kind == geo.EventDeleted
}

// Dir returns the bare mirror directory of res.
func (s *RepositoryStrategy) Dir(res geo.Resource) string {
	return filepath.Join(s.root, string(res.Type), strconv.FormatInt(res.ID, 10)+".git")
}

// Replicate fetches every ref of the primary repository into the mirror.
func (s *RepositoryStrategy) Replicate(ctx context.Context, res geo.Resource) error {
	dir := s.Dir(res)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("replicate %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return s.repos.Fetch(ctx, res, dir)
}

func (s *RepositoryStrategy) Remove(_ context.Context, res geo.Resource) error {
	if err := os.RemoveAll(s.Dir(res)); err != nil {
		return fmt.Errorf("remove %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return nil
}

// Checksum digests the mirror's refs.
func (s *RepositoryStrategy) Checksum(ctx context.Context, res geo.Resource) (string, error) {
	refs, err := s.repos.RefState(ctx, s.Dir(res))
	if err != nil {
		return "", err
	}
	return checksum.RefState(refs)
}
