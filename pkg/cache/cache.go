package cache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/httprunner/DeployAgent/pkg/apk"
)

// AnalyzeFunc performs the expensive package scan.
type AnalyzeFunc func(ctx context.Context, path, checksum string) (*apk.Package, error)

// Cache fronts a Store with an in-memory map and collapses concurrent
// analyses of the same checksum. Safe for concurrent use.
type Cache struct {
	store Store

	mu     sync.RWMutex
	models map[string]*apk.Package

	group  singleflight.Group
	hits   int64
	misses int64
}

// New wraps store.
func New(store Store) *Cache {
	return &Cache{store: store, models: make(map[string]*apk.Package)}
}

// Store returns the backing store.
func (c *Cache) Store() Store { return c.store }

func (c *Cache) Get(ctx context.Context, checksum string) (*apk.Package, bool, error) {
	key, err := validateKey(checksum)
	if err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	model, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		return model, true, nil
	}
	model, ok, err = c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.remember(key, model)
	return model, true, nil
}

func (c *Cache) Put(ctx context.Context, checksum string, model *apk.Package) error {
	key, err := validateKey(checksum)
	if err != nil {
		return err
	}
	c.mu.RLock()
	existing, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		return checkPut(key, existing, model)
	}
	if err := c.store.Put(ctx, key, model); err != nil {
		return err
	}
	c.remember(key, model.WithPath(""))
	return nil
}

func (c *Cache) remember(key string, model *apk.Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.models[key]; !ok {
		c.models[key] = model
	}
}

// Analyze returns the model for the file at path, scanning it only when its
// checksum has never been seen. The returned model is bound to path.
func (c *Cache) Analyze(ctx context.Context, path string, analyze AnalyzeFunc) (*apk.Package, error) {
	checksum, err := apk.Checksum(path)
	if err != nil {
		return nil, err
	}
	if model, ok, err := c.Get(ctx, checksum); err != nil {
		return nil, err
	} else if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		log.Debug().Str("apk", path).Str("checksum", checksum).Msg("cache: hit")
		return model.WithPath(path), nil
	}

	v, err, _ := c.group.Do(checksum, func() (interface{}, error) {
		if model, ok, err := c.Get(ctx, checksum); err != nil || ok {
			return model, err
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		model, err := analyze(ctx, path, checksum)
		if err != nil {
			return nil, err
		}
		if model.Checksum() != checksum {
			return nil, errors.Errorf("cache: analyzer returned checksum %s for %s", model.Checksum(), checksum)
		}
		if err := c.Put(ctx, checksum, model); err != nil {
			return nil, err
		}
		log.Info().Str("apk", path).Str("checksum", checksum).Msg("cache: analyzed")
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*apk.Package).WithPath(path), nil
}

// Stats reports hits and misses of Analyze.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *Cache) Installed(ctx context.Context, serial, pkg string) ([]string, bool, error) {
	return c.store.Installed(ctx, serial, pkg)
}

func (c *Cache) SetInstalled(ctx context.Context, serial, pkg string, checksums []string) error {
	return c.store.SetInstalled(ctx, serial, pkg, checksums)
}

func (c *Cache) ClearInstalled(ctx context.Context, serial, pkg string) error {
	return c.store.ClearInstalled(ctx, serial, pkg)
}

func (c *Cache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

// DefaultAnalyzer scans the archive with apk.AnalyzeWithChecksum.
func DefaultAnalyzer(ctx context.Context, path, checksum string) (*apk.Package, error) {
	return apk.AnalyzeWithChecksum(ctx, path, checksum)
}
