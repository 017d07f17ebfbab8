// Package imageregistry implements Component B: the deduplicated
// machine-image table, its tag-delta side channel, and its inspection
// status transitions.
package imageregistry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
)

// DiscoveredAttrs is what a normalizer or describe call can tell the
// registry about an image the first time it is seen.
type DiscoveredAttrs struct {
	Name              string
	OwnerCloudAccount string
	Platform          image.Platform
	MarketplaceTokens []string
	CloudAccessTokens []string
	RHELOwnerAccounts []string
}

// Store is the persistence seam the registry needs: lookup/insert by
// (cloudType, cloudImageID), and an authoritative save of the full row
// after any mutation.
type Store interface {
	FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error)
	Insert(ctx context.Context, img image.Image) (image.Image, error)
	Save(ctx context.Context, img image.Image) error
}

// Registry is Component B.
type Registry struct {
	store Store
}

// New returns a Registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Upsert finds or creates the image row for (cloudType, cloudImageID),
// classifying it on first sight per spec §4.B/§3. wasNew reports whether
// this call created the row.
func (r *Registry) Upsert(ctx context.Context, cloudType cloudtype.Type, cloudImageID string, attrs DiscoveredAttrs) (img image.Image, wasNew bool, err error) {
	existing, found, err := r.store.FindByCloudID(ctx, cloudType, cloudImageID)
	if err != nil {
		return image.Image{}, false, fmt.Errorf("imageregistry: lookup %s/%s: %w", cloudType, cloudImageID, err)
	}
	if found {
		return existing, false, nil
	}

	isMarketplace, isCloudAccess := image.Classify(attrs.Name, attrs.OwnerCloudAccount, attrs.MarketplaceTokens, attrs.CloudAccessTokens, attrs.RHELOwnerAccounts)
	candidate := image.Image{
		CloudType:         cloudType,
		CloudImageID:      cloudImageID,
		Name:              attrs.Name,
		OwnerCloudAccount: attrs.OwnerCloudAccount,
		Platform:          attrs.Platform,
		Status:            image.StatusPending,
		Flags: image.Flags{
			IsMarketplace: isMarketplace,
			IsCloudAccess: isCloudAccess,
		},
	}
	created, err := r.store.Insert(ctx, candidate)
	if err != nil {
		return image.Image{}, false, fmt.Errorf("imageregistry: insert %s/%s: %w", cloudType, cloudImageID, err)
	}
	return created, true, nil
}

// SetStatus moves img from its current status to next, enforcing the
// monotonic transition DAG (spec §4.E, §8.7). A request to move a
// terminal image anywhere is a silent no-op: "a terminal status is never
// overwritten by an older in-flight step" (spec §7).
func (r *Registry) SetStatus(ctx context.Context, img image.Image, next image.Status) (image.Image, error) {
	if img.Status.Terminal() {
		return img, nil
	}
	if !image.CanTransition(img.Status, next) {
		return img, fmt.Errorf("imageregistry: illegal transition %s -> %s for image %s", img.Status, next, img.ID)
	}
	img.Status = next
	if err := r.store.Save(ctx, img); err != nil {
		return img, fmt.Errorf("imageregistry: save %s: %w", img.ID, err)
	}
	return img, nil
}

// Lookup returns the image row for (cloudType, cloudImageID) without
// creating it, used by the ingest pipeline to resolve a tag event's AMI
// reference before folding it into the image's flags.
func (r *Registry) Lookup(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error) {
	return r.store.FindByCloudID(ctx, cloudType, cloudImageID)
}

// StubUnavailable records that a describe call could not locate the
// cloud image, per spec §7's NotFound handling: "treat as terminal for
// that id" / "stub unavailable image".
func (r *Registry) StubUnavailable(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, error) {
	img, found, err := r.store.FindByCloudID(ctx, cloudType, cloudImageID)
	if err != nil {
		return image.Image{}, fmt.Errorf("imageregistry: lookup %s/%s: %w", cloudType, cloudImageID, err)
	}
	if !found {
		img, err = r.store.Insert(ctx, image.Image{
			CloudType:    cloudType,
			CloudImageID: cloudImageID,
			Status:       image.StatusPending,
		})
		if err != nil {
			return image.Image{}, fmt.Errorf("imageregistry: insert stub %s/%s: %w", cloudType, cloudImageID, err)
		}
	}
	return r.SetStatus(ctx, img, image.StatusUnavailable)
}

// TagDelta is one normalized tag-event record routed from the normalizer's
// side channel (spec §4.A's tag_event).
type TagDelta struct {
	OccurredAt time.Time
	ImageID    string
	Tag        string
	Exists     bool
}

// ApplyTagDeltas folds a batch of (possibly out-of-order, possibly
// duplicated) tag events into img's RHELDetectedByTag flag. The
// chronologically latest delta in the batch wins, regardless of arrival
// order. Deltas are not grouped by Tag: when a batch mixes tags, the latest
// delta of any tag sets the flag.
func (r *Registry) ApplyTagDeltas(ctx context.Context, img image.Image, deltas []TagDelta) (image.Image, error) {
	if len(deltas) == 0 {
		return img, nil
	}
	sorted := make([]TagDelta, len(deltas))
	copy(sorted, deltas)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })

	latest := sorted[len(sorted)-1]
	img.Flags.RHELDetectedByTag = latest.Exists

	if err := r.store.Save(ctx, img); err != nil {
		return img, fmt.Errorf("imageregistry: save tag delta for %s: %w", img.ID, err)
	}
	return img, nil
}

// RecordInspectionVerdict stores the inspection payload verbatim and moves
// the image to inspected, per spec §4.B's inspection verdict queue.
func (r *Registry) RecordInspectionVerdict(ctx context.Context, img image.Image, rawJSON string, flags image.Flags) (image.Image, error) {
	if img.Status.Terminal() {
		return img, nil
	}
	img.InspectionJSON = rawJSON
	img.Flags.InspectionReposFound = flags.InspectionReposFound
	img.Flags.ProductCertsFound = flags.ProductCertsFound
	img.Flags.ReleaseFilesFound = flags.ReleaseFilesFound
	img.Flags.SignedPackagesFound = flags.SignedPackagesFound
	return r.SetStatus(ctx, img, image.StatusInspected)
}

// EncryptedError wraps the orchestrator's InspectionEncrypted outcome for
// callers that need the underlying status-transition error shape.
func EncryptedError(imageID string) error {
	return &errs.InspectionEncrypted{ImageID: imageID}
}
