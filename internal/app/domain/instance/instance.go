// Package instance models per-account virtual machine instances.
package instance

import (
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

// Instance is owned by an Account; uniqueness is
// (CloudType, CloudInstanceID).
type Instance struct {
	ID              string
	AccountID       string
	CloudType       cloudtype.Type
	CloudInstanceID string
	Region          string
	// CurrentImageID is the best-known bound image, nil until the first
	// event carrying an image_ref arrives. Once bound it is never
	// overwritten by ordinary events (spec §4.C) -- only an explicit
	// re-discovery path may rebind it.
	CurrentImageID string
}

// Bind fills the current image binding. It is a no-op if already bound:
// once bound, the image binding is not overwritten by later events.
func (i *Instance) Bind(imageID string) {
	if i.CurrentImageID != "" || imageID == "" {
		return
	}
	i.CurrentImageID = imageID
}

// Rebind forcibly overwrites the binding. Only the orchestrator's explicit
// re-discovery path may call this.
func (i *Instance) Rebind(imageID string) {
	i.CurrentImageID = imageID
}
