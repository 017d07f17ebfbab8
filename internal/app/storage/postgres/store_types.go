package postgres

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instancetype"
)

// TypeCatalog is the write path for instance_type_definitions: the
// operator-facing seed/sync job that keeps shapes current from each cloud
// provider's published instance-type tables (spec §5). Reads go through
// instancetype.Cache instead (internal/app/services/typerefresh), which
// implements the read-mostly periodic-swap policy spec §5 actually asks
// for. Every Upsert executes its SQL statement; TypeCatalog also records
// each written shape in an in-process map, which no method reads back.
type TypeCatalog struct {
	db        *sql.DB
	cloudType cloudtype.Type

	mu    sync.RWMutex
	cache map[string][2]int // instanceType -> [vcpu, memoryMiB]
}

// NewTypeCatalog builds a catalog scoped to one cloud type; AWS and Azure
// instance type names can collide, so callers keep one catalog per cloud.
func NewTypeCatalog(db *sql.DB, cloudType cloudtype.Type) *TypeCatalog {
	return &TypeCatalog{db: db, cloudType: cloudType, cache: make(map[string][2]int)}
}

// Upsert records (or updates) one instance-type definition.
func (c *TypeCatalog) Upsert(ctx context.Context, instanceType string, vcpu, memoryMiB int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO instance_type_definitions (cloud_type, instance_type, vcpu, memory_mib)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cloud_type, instance_type) DO UPDATE SET vcpu = $3, memory_mib = $4
	`, string(c.cloudType), instanceType, vcpu, memoryMiB)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cache[instanceType] = [2]int{vcpu, memoryMiB}
	c.mu.Unlock()
	return nil
}

// ListAllDefinitions loads every instance_type_definitions row across both
// clouds, the source query behind instancetype.Cache's periodic Swap.
func ListAllDefinitions(ctx context.Context, db *sql.DB) ([]instancetype.Definition, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cloud_type, instance_type, vcpu, memory_mib FROM instance_type_definitions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []instancetype.Definition
	for rows.Next() {
		var (
			d        instancetype.Definition
			cloudStr string
		)
		if err := rows.Scan(&cloudStr, &d.InstanceType, &d.VCPU, &d.MemoryMiB); err != nil {
			return nil, err
		}
		d.CloudType = cloudtype.Type(cloudStr)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
