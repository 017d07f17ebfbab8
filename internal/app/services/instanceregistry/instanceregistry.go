// Package instanceregistry implements Component C: the per-account
// instance table and its first-bound-wins image association.
package instanceregistry

import (
	"context"
	"fmt"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
)

// Store is the persistence seam the registry needs.
type Store interface {
	FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudInstanceID string) (instance.Instance, bool, error)
	Insert(ctx context.Context, inst instance.Instance) (instance.Instance, error)
	Save(ctx context.Context, inst instance.Instance) error
}

// Registry is Component C.
type Registry struct {
	store Store
}

// New returns a Registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Upsert finds or creates the instance row for (cloudType,
// cloudInstanceID) under accountID, and binds imageRef if the instance's
// image is not already bound (spec §4.C; instance.Bind is a no-op once
// bound).
func (r *Registry) Upsert(ctx context.Context, accountID string, cloudType cloudtype.Type, cloudInstanceID, region, imageRef string) (instance.Instance, error) {
	existing, found, err := r.store.FindByCloudID(ctx, cloudType, cloudInstanceID)
	if err != nil {
		return instance.Instance{}, fmt.Errorf("instanceregistry: lookup %s/%s: %w", cloudType, cloudInstanceID, err)
	}
	if !found {
		inst := instance.Instance{
			AccountID:       accountID,
			CloudType:       cloudType,
			CloudInstanceID: cloudInstanceID,
			Region:          region,
		}
		inst.Bind(imageRef)
		created, err := r.store.Insert(ctx, inst)
		if err != nil {
			return instance.Instance{}, fmt.Errorf("instanceregistry: insert %s/%s: %w", cloudType, cloudInstanceID, err)
		}
		return created, nil
	}

	before := existing.CurrentImageID
	existing.Bind(imageRef)
	if existing.CurrentImageID == before {
		return existing, nil
	}
	if err := r.store.Save(ctx, existing); err != nil {
		return existing, fmt.Errorf("instanceregistry: save %s/%s: %w", cloudType, cloudInstanceID, err)
	}
	return existing, nil
}

// Rediscover forcibly rebinds an instance's image, for when an instance's
// true current image must be corrected (spec §4.C's explicit re-discovery
// override). Nothing else in this module calls it.
func (r *Registry) Rediscover(ctx context.Context, inst instance.Instance, imageRef string) (instance.Instance, error) {
	inst.Rebind(imageRef)
	if err := r.store.Save(ctx, inst); err != nil {
		return inst, fmt.Errorf("instanceregistry: rebind %s: %w", inst.ID, err)
	}
	return inst, nil
}

// Lookup resolves an instance's current image_ref and a best-known
// instance_type, used by the normalizer's missing-field backfill path
// (spec §4.A). instance.Instance does not itself carry an instance_type
// (that lives on the reconstructed Run), so typeOf is supplied by the
// caller; with a nil typeOf the returned instance_type is empty.
func (r *Registry) Lookup(ctx context.Context, cloudType cloudtype.Type, cloudInstanceID string, typeOf func(instanceID string) string) (imageRef, instanceType string, ok bool) {
	inst, found, err := r.store.FindByCloudID(ctx, cloudType, cloudInstanceID)
	if err != nil || !found {
		return "", "", false
	}
	instanceType = ""
	if typeOf != nil {
		instanceType = typeOf(inst.ID)
	}
	return inst.CurrentImageID, instanceType, inst.CurrentImageID != "" || instanceType != ""
}
