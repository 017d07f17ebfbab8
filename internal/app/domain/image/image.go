// Package image models machine images shared across accounts and the
// bounded inspection state machine they move through.
package image

import (
	"strings"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

// Platform distinguishes images that require Windows-specific handling.
type Platform string

const (
	PlatformNone    Platform = "none"
	PlatformWindows Platform = "windows"
)

// Status is a node in the inspection state machine (spec §4.E). The DAG is:
//
//	pending -> preparing -> inspecting -> inspected
//	   |           |             |
//	   |           +-------------+-> error (any step may short-circuit here)
//	   +--------------------------> inspected
//
// inspected and error are terminal: Status monotonicity (spec §8.7) means
// no row may transition out of either.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPreparing   Status = "preparing"
	StatusInspecting  Status = "inspecting"
	StatusInspected   Status = "inspected"
	StatusError       Status = "error"
	StatusUnavailable Status = "unavailable"
)

// Terminal reports whether s can never transition further.
func (s Status) Terminal() bool {
	return s == StatusInspected || s == StatusError || s == StatusUnavailable
}

// validTransitions enumerates the only prior->next pairs set_status accepts.
// unavailable is reachable from pending only, the moment a describe call
// fails to locate the image (spec §4.B).
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPreparing:   true,
		StatusInspected:   true,
		StatusError:       true,
		StatusUnavailable: true,
	},
	StatusPreparing: {
		StatusInspecting: true,
		StatusError:      true,
	},
	StatusInspecting: {
		StatusInspected: true,
		StatusError:     true,
	},
}

// CanTransition reports whether moving from prior to next is legal.
func CanTransition(prior, next Status) bool {
	if prior.Terminal() {
		return false
	}
	return validTransitions[prior][next]
}

// Flags carries the raw detection signals that feed the RHEL/OpenShift
// derivation formulas in spec §3.
type Flags struct {
	InspectionReposFound bool
	ProductCertsFound    bool
	ReleaseFilesFound    bool
	SignedPackagesFound  bool
	RHELDetectedByTag    bool
	RHELChallenged       bool
	OpenShiftDetected    bool
	OpenShiftChallenged  bool
	IsEncrypted          bool
	IsMarketplace        bool
	IsCloudAccess        bool
}

// Image is a deduplicated machine-image row, keyed by
// (CloudType, CloudImageID).
type Image struct {
	ID                string
	CloudType         cloudtype.Type
	CloudImageID      string
	Name              string
	OwnerCloudAccount string
	Platform          Platform
	Status            Status
	InspectionJSON    string
	Flags             Flags
	Attempts          int
}

// RHEL computes the derived rhel boolean from spec §3's formula:
//
//	rhel = (any of {inspection_repos, product_certs, release_files,
//	                signed_packages, rhel_detected_by_tag, is_cloud_access})
//	       XOR rhel_challenged
func (img Image) RHEL() bool {
	any := img.Flags.InspectionReposFound ||
		img.Flags.ProductCertsFound ||
		img.Flags.ReleaseFilesFound ||
		img.Flags.SignedPackagesFound ||
		img.Flags.RHELDetectedByTag ||
		img.Flags.IsCloudAccess
	return any != img.Flags.RHELChallenged
}

// OpenShift computes the derived openshift boolean: openshift_detected XOR
// openshift_challenged.
func (img Image) OpenShift() bool {
	return img.Flags.OpenShiftDetected != img.Flags.OpenShiftChallenged
}

// Qualifies reports whether this image counts toward the named roll-up
// category ("rhel" or "openshift"), used by the Concurrency Roll-up.
func (img Image) Qualifies(category string) bool {
	switch category {
	case "rhel":
		return img.RHEL()
	case "openshift":
		return img.OpenShift()
	default:
		return false
	}
}

// Classify is the pure function from spec §4.B: is_marketplace and
// is_cloud_access are derived from case-insensitive name substrings AND
// owner-account membership in a configured set (spec §8.8 classification
// laws).
func Classify(name, ownerID string, marketplaceTokens, cloudAccessTokens, rhelOwnerAccounts []string) (isMarketplace, isCloudAccess bool) {
	if !ownerInSet(ownerID, rhelOwnerAccounts) {
		return false, false
	}
	lower := strings.ToLower(name)
	isMarketplace = containsAnyToken(lower, marketplaceTokens)
	isCloudAccess = containsAnyToken(lower, cloudAccessTokens)
	return isMarketplace, isCloudAccess
}

func containsAnyToken(lowerName string, tokens []string) bool {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if strings.Contains(lowerName, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}

func ownerInSet(owner string, set []string) bool {
	for _, id := range set {
		if strings.EqualFold(id, owner) {
			return true
		}
	}
	return false
}

// ShortCircuitsToInspected reports whether discovery-time flags are enough
// to skip the inspection pipeline entirely (spec §4.E).
func (img Image) ShortCircuitsToInspected() bool {
	return img.Flags.IsMarketplace || img.Flags.IsCloudAccess || img.Flags.RHELDetectedByTag
}
