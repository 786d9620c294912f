package replicator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/roach88/geosync/internal/geo"
)

// Strategy makes the local copy of one kind of resource match the primary.
// Implementations register themselves with Register.
type Strategy interface {
	// Name is the key the strategy is registered under.
	Name() string

	// Handles reports whether the strategy reacts to events of kind.
	Handles(kind geo.EventKind) bool

	// Replicate transfers the resource from the primary into local storage.
	Replicate(ctx context.Context, res geo.Resource) error

	// Remove deletes the local copy. Removing a missing copy succeeds.
	Remove(ctx context.Context, res geo.Resource) error

	// Checksum computes the checksum of the local copy, comparable with
	// the primary's.
	Checksum(ctx context.Context, res geo.Resource) (string, error)
}

// BlobDownloader streams a blob from the primary.
type BlobDownloader interface {
	Download(ctx context.Context, res geo.Resource, w io.Writer) error
}

// RepositoryFetcher mirrors repositories from the primary.
type RepositoryFetcher interface {
	// Fetch updates the bare mirror in dir with every ref of the primary
	// repository, creating it if needed.
	Fetch(ctx context.Context, res geo.Resource, dir string) error

	// RefState lists the refs of the mirror in dir as name → object id.
	RefState(ctx context.Context, dir string) (map[string]string, error)
}

// Deps are the collaborators available to strategy constructors.
type Deps struct {
	// StorageRoot is the directory local copies live under.
	StorageRoot string
	Blobs       BlobDownloader
	Repos       RepositoryFetcher
}

// Constructor creates a strategy from its dependencies.
type Constructor func(Deps) (Strategy, error)

var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

func init() {
	Register(StrategyBlob, NewBlobStrategy)
	Register(StrategyRepository, NewRepositoryStrategy)
}

// Register adds a strategy constructor under name.
// Panics on a nil constructor or a duplicate name.
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("replicator: Register constructor is nil for strategy %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("replicator: Register called twice for strategy %s", name))
	}
	registry[name] = constructor
}

// NewStrategy builds the strategy registered under name.
func NewStrategy(name string, deps Deps) (Strategy, error) {
	registryMutex.RLock()
	constructor := registry[name]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("replicator: unknown strategy %q (registered: %v)", name, RegisteredStrategies())
	}
	return constructor(deps)
}

// RegisteredStrategies returns the registered strategy names, sorted.
func RegisteredStrategies() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
