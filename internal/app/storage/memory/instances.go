package memory

import (
	"context"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/instanceregistry"
)

// InstanceStore implements instanceregistry.Store against the instances
// map of a shared Store, so reconciler and instanceregistry fixtures can
// see the same rows in tests that exercise both.
type InstanceStore struct {
	store *Store
}

var _ instanceregistry.Store = (*InstanceStore)(nil)

// NewInstanceStore wraps the instance half of a shared Store.
func NewInstanceStore(store *Store) *InstanceStore {
	return &InstanceStore{store: store}
}

func (s *InstanceStore) FindByCloudID(_ context.Context, cloudType cloudtype.Type, cloudInstanceID string) (instance.Instance, bool, error) {
	inst, ok := s.store.findInstanceByCloudID(cloudType, cloudInstanceID)
	return inst, ok, nil
}

func (s *InstanceStore) Insert(_ context.Context, inst instance.Instance) (instance.Instance, error) {
	return s.store.insertInstance(inst), nil
}

func (s *InstanceStore) Save(_ context.Context, inst instance.Instance) error {
	return s.store.saveInstance(inst)
}
