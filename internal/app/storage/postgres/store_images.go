package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
)

// ImageStore implements imageregistry.Store.
type ImageStore struct {
	db *sql.DB
}

var _ imageregistry.Store = (*ImageStore)(nil)

// NewImageStore wraps an open database handle.
func NewImageStore(db *sql.DB) *ImageStore {
	return &ImageStore{db: db}
}

func (s *ImageStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cloud_type, cloud_image_id, name, owner_cloud_account, platform, status,
		       inspection_json, inspection_repos_found, product_certs_found, release_files_found,
		       signed_packages_found, rhel_detected_by_tag, rhel_challenged, openshift_detected,
		       openshift_challenged, is_encrypted, is_marketplace, is_cloud_access, attempts
		FROM machine_images
		WHERE cloud_type = $1 AND cloud_image_id = $2
	`, string(cloudType), cloudImageID)

	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return image.Image{}, false, nil
	}
	if err != nil {
		return image.Image{}, false, err
	}
	return img, true, nil
}

func scanImage(row *sql.Row) (image.Image, error) {
	var (
		img                          image.Image
		cloudType, platform, status  string
	)
	if err := row.Scan(
		&img.ID, &cloudType, &img.CloudImageID, &img.Name, &img.OwnerCloudAccount, &platform, &status,
		&img.InspectionJSON, &img.Flags.InspectionReposFound, &img.Flags.ProductCertsFound, &img.Flags.ReleaseFilesFound,
		&img.Flags.SignedPackagesFound, &img.Flags.RHELDetectedByTag, &img.Flags.RHELChallenged, &img.Flags.OpenShiftDetected,
		&img.Flags.OpenShiftChallenged, &img.Flags.IsEncrypted, &img.Flags.IsMarketplace, &img.Flags.IsCloudAccess, &img.Attempts,
	); err != nil {
		return image.Image{}, err
	}
	img.CloudType = cloudtype.Type(cloudType)
	img.Platform = image.Platform(platform)
	img.Status = image.Status(status)
	return img, nil
}

func (s *ImageStore) Insert(ctx context.Context, img image.Image) (image.Image, error) {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.Status == "" {
		img.Status = image.StatusPending
	}
	if img.Platform == "" {
		img.Platform = image.PlatformNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_images (
			id, cloud_type, cloud_image_id, name, owner_cloud_account, platform, status,
			inspection_json, inspection_repos_found, product_certs_found, release_files_found,
			signed_packages_found, rhel_detected_by_tag, rhel_challenged, openshift_detected,
			openshift_challenged, is_encrypted, is_marketplace, is_cloud_access, attempts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		img.ID, string(img.CloudType), img.CloudImageID, img.Name, img.OwnerCloudAccount, string(img.Platform), string(img.Status),
		img.InspectionJSON, img.Flags.InspectionReposFound, img.Flags.ProductCertsFound, img.Flags.ReleaseFilesFound,
		img.Flags.SignedPackagesFound, img.Flags.RHELDetectedByTag, img.Flags.RHELChallenged, img.Flags.OpenShiftDetected,
		img.Flags.OpenShiftChallenged, img.Flags.IsEncrypted, img.Flags.IsMarketplace, img.Flags.IsCloudAccess, img.Attempts,
	)
	if err != nil {
		return image.Image{}, err
	}
	return img, nil
}

func (s *ImageStore) Save(ctx context.Context, img image.Image) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE machine_images
		SET name = $2, owner_cloud_account = $3, platform = $4, status = $5, inspection_json = $6,
		    inspection_repos_found = $7, product_certs_found = $8, release_files_found = $9,
		    signed_packages_found = $10, rhel_detected_by_tag = $11, rhel_challenged = $12,
		    openshift_detected = $13, openshift_challenged = $14, is_encrypted = $15,
		    is_marketplace = $16, is_cloud_access = $17, attempts = $18
		WHERE id = $1
	`,
		img.ID, img.Name, img.OwnerCloudAccount, string(img.Platform), string(img.Status), img.InspectionJSON,
		img.Flags.InspectionReposFound, img.Flags.ProductCertsFound, img.Flags.ReleaseFilesFound,
		img.Flags.SignedPackagesFound, img.Flags.RHELDetectedByTag, img.Flags.RHELChallenged,
		img.Flags.OpenShiftDetected, img.Flags.OpenShiftChallenged, img.Flags.IsEncrypted,
		img.Flags.IsMarketplace, img.Flags.IsCloudAccess, img.Attempts,
	)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
