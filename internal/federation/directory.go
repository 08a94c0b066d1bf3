package federation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const resolveCachePrefix = "datafed:directory:identity:"

// Directory resolves identities to owning nodes, with an optional Redis
// read-through cache in front of the store. Resolution happens on every
// outbox dispatch, so the cache keeps the hot path off Postgres.
type Directory struct {
	store    Store
	cache    *database.Redis
	cacheTTL time.Duration
	logger   *logger.Logger

	localNodeID string
}

// DirectoryOption configures a Directory
type DirectoryOption func(*Directory)

// WithCache attaches a Redis cache for identity resolution
func WithCache(cache *database.Redis, ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		d.cache = cache
		d.cacheTTL = ttl
	}
}

// NewDirectory creates a directory over the given store. localNodeID is
// the node this process runs as; it decides the local-delivery shortcut.
func NewDirectory(store Store, localNodeID string, log *logger.Logger, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:       store,
		localNodeID: localNodeID,
		cacheTTL:    5 * time.Minute,
		logger:      log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LocalNodeID returns the ID of the node this process runs as
func (d *Directory) LocalNodeID() string {
	return d.localNodeID
}

// Resolve returns the node owning the given identity
func (d *Directory) Resolve(ctx context.Context, identity string) (*Node, error) {
	if d.cache != nil {
		if node, ok := d.cacheGet(ctx, identity); ok {
			return node, nil
		}
	}

	node, err := d.store.ResolveIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		d.cachePut(ctx, identity, node)
	}
	return node, nil
}

// SameNode reports whether two identities are owned by the same node
func (d *Directory) SameNode(ctx context.Context, a, b string) (bool, error) {
	nodeA, err := d.Resolve(ctx, a)
	if err != nil {
		return false, err
	}
	nodeB, err := d.Resolve(ctx, b)
	if err != nil {
		return false, err
	}
	return nodeA.ID == nodeB.ID, nil
}

// IsLocal reports whether an identity is owned by this process's node
func (d *Directory) IsLocal(ctx context.Context, identity string) (bool, error) {
	node, err := d.Resolve(ctx, identity)
	if err != nil {
		return false, err
	}
	return node.ID == d.localNodeID, nil
}

func (d *Directory) cacheGet(ctx context.Context, identity string) (*Node, bool) {
	data, err := d.cache.Client().Get(ctx, resolveCachePrefix+identity).Bytes()
	if err != nil {
		if err != redis.Nil {
			d.logger.Warnf("Directory cache read failed for %s: %v", identity, err)
		}
		return nil, false
	}

	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		d.logger.Warnf("Directory cache entry for %s is corrupt: %v", identity, err)
		return nil, false
	}
	return &node, true
}

func (d *Directory) cachePut(ctx context.Context, identity string, node *Node) {
	data, err := json.Marshal(node)
	if err != nil {
		return
	}
	if err := d.cache.Client().Set(ctx, resolveCachePrefix+identity, data, d.cacheTTL).Err(); err != nil {
		d.logger.Warnf("Directory cache write failed for %s: %v", identity, err)
	}
}
