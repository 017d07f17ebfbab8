// Package instancetype models the process-wide InstanceTypeDefinition
// cache: a read-mostly map refreshed by a periodic job, guarded by a
// read-write lock per spec §5's shared-resource policy ("refresher holds
// the write lock only while swapping the fully built map").
package instancetype

import (
	"sync"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

// Definition is one (cloud_type, instance_type) shape.
type Definition struct {
	CloudType    cloudtype.Type
	InstanceType string
	VCPU         int
	MemoryMiB    int
}

type key struct {
	cloudType    cloudtype.Type
	instanceType string
}

// Cache is an atomic full-map-swap cache: readers never block writers and
// vice versa beyond the instant of the pointer swap.
type Cache struct {
	mu sync.RWMutex
	m  map[key]Definition
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{m: make(map[key]Definition)}
}

// Lookup returns the vcpu/memory shape for (cloudType, instanceType).
func (c *Cache) Lookup(cloudType cloudtype.Type, instanceType string) (vcpu, memoryMiB int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, found := c.m[key{cloudType: cloudType, instanceType: instanceType}]
	if !found {
		return 0, 0, false
	}
	return def.VCPU, def.MemoryMiB, true
}

// Swap atomically replaces the entire cache contents with defs. Callers
// build the full map before calling Swap so the write lock is held only
// for the pointer/map assignment, never while fetching from upstream.
func (c *Cache) Swap(defs []Definition) {
	built := make(map[key]Definition, len(defs))
	for _, d := range defs {
		built[key{cloudType: d.CloudType, instanceType: d.InstanceType}] = d
	}
	c.mu.Lock()
	c.m = built
	c.mu.Unlock()
}

// Len reports the current number of cached definitions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// LookupFunc adapts Cache.Lookup to a single-cloud reconciler.TypeLookup
// closure, since the reconciler's pure function only ever resolves types
// for one cloud_type (an instance's events never span clouds).
func (c *Cache) LookupFunc(cloudType cloudtype.Type) func(instanceType string) (int, int, bool) {
	return func(instanceType string) (int, int, bool) {
		return c.Lookup(cloudType, instanceType)
	}
}
