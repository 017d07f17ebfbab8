// Package typerefresh is the periodic job that keeps the process-wide
// instance-type shape cache current (spec §5): it loads every
// instance_type_definitions row and atomically swaps them into an
// instancetype.Cache, so readers never block on the refresh and never hit
// Postgres on the hot reconciliation path.
package typerefresh

import (
	"context"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instancetype"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/logger"
)

// Source loads the full current set of instance-type definitions.
type Source func(ctx context.Context) ([]instancetype.Definition, error)

// Refresher drives instancetype.Cache.Swap on a ticker.
type Refresher struct {
	cache    *instancetype.Cache
	source   Source
	interval time.Duration
	log      *logger.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Refresher. cache is populated synchronously once during
// Start so the first reconciliation after boot already has shapes loaded.
func New(cache *instancetype.Cache, source Source, interval time.Duration, log *logger.Logger) *Refresher {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Refresher{cache: cache, source: source, interval: interval, log: log}
}

// Name satisfies system.Service.
func (r *Refresher) Name() string { return "instance-type-refresher" }

// Start satisfies system.Service.
func (r *Refresher) Start(ctx context.Context) error {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	r.refresh(ctx)

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refresh(ctx)
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

// Stop satisfies system.Service.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.stop == nil {
		return nil
	}
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Refresher) refresh(ctx context.Context) {
	defs, err := r.source(ctx)
	if err != nil {
		if r.log != nil {
			r.log.Infof("instance type refresh failed: %v", err)
		}
		return
	}
	r.cache.Swap(defs)
}
