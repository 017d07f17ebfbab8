package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/instanceregistry"
)

// InstanceStore implements instanceregistry.Store.
type InstanceStore struct {
	db *sql.DB
}

var _ instanceregistry.Store = (*InstanceStore)(nil)

// NewInstanceStore wraps an open database handle.
func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudInstanceID string) (instance.Instance, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, cloud_type, cloud_instance_id, region, COALESCE(current_image_id, '')
		FROM instances
		WHERE cloud_type = $1 AND cloud_instance_id = $2
	`, string(cloudType), cloudInstanceID)

	var (
		inst     instance.Instance
		cloudStr string
	)
	if err := row.Scan(&inst.ID, &inst.AccountID, &cloudStr, &inst.CloudInstanceID, &inst.Region, &inst.CurrentImageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return instance.Instance{}, false, nil
		}
		return instance.Instance{}, false, err
	}
	inst.CloudType = cloudtype.Type(cloudStr)
	return inst, true, nil
}

func (s *InstanceStore) Insert(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, account_id, cloud_type, cloud_instance_id, region, current_image_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inst.ID, inst.AccountID, string(inst.CloudType), inst.CloudInstanceID, inst.Region, toNullString(inst.CurrentImageID))
	if err != nil {
		return instance.Instance{}, err
	}
	return inst, nil
}

func (s *InstanceStore) Save(ctx context.Context, inst instance.Instance) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET region = $2, current_image_id = $3
		WHERE id = $1
	`, inst.ID, inst.Region, toNullString(inst.CurrentImageID))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
