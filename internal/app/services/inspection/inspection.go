// Package inspection implements Component E: the per-image inspection
// state machine, its short-circuits, and its bounded retry policy. Side
// effects (copy snapshot, copy volume, attach, release, ingest verdict)
// are dispatched to the work queue; only the state machine, the retry
// bound, and terminal idempotence are in scope here.
package inspection

import (
	"context"
	"fmt"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
)

// Step is one side-effect stage the orchestrator dispatches through the
// work queue once an image enters inspecting.
type Step string

const (
	StepCopySnapshot  Step = "copy_snapshot"
	StepCopyVolume    Step = "copy_volume"
	StepAttachVolume  Step = "attach_volume"
	StepReleaseVolume Step = "release_volume"
	StepIngestVerdict Step = "ingest_verdict"
)

// Dispatcher enqueues the next inspection side-effect step for an image.
type Dispatcher interface {
	Enqueue(ctx context.Context, imageID string, step Step) error
}

// Config carries the orchestrator's operator-tunable policy knobs
// (spec §4.B "configuration surface").
type Config struct {
	MaxAttempts int // inspection.max_attempts, default 3
}

// Orchestrator is Component E.
type Orchestrator struct {
	registry   *imageregistry.Registry
	dispatcher Dispatcher
	cfg        Config
}

// New returns an Orchestrator driving images through registry and
// dispatching side-effect steps through dispatcher.
func New(registry *imageregistry.Registry, dispatcher Dispatcher, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{registry: registry, dispatcher: dispatcher, cfg: cfg}
}

// Begin is called when an image first enters the registry as pending. It
// either short-circuits straight to inspected (spec §4.E: is_marketplace,
// is_cloud_access, or rhel_detected_by_tag already known at discovery) or
// starts the preparing step.
func (o *Orchestrator) Begin(ctx context.Context, img image.Image) (image.Image, error) {
	if img.Status != image.StatusPending {
		return img, nil
	}
	if img.ShortCircuitsToInspected() {
		return o.registry.SetStatus(ctx, img, image.StatusInspected)
	}
	img, err := o.registry.SetStatus(ctx, img, image.StatusPreparing)
	if err != nil {
		return img, err
	}
	if o.dispatcher != nil {
		if err := o.dispatcher.Enqueue(ctx, img.ID, StepCopySnapshot); err != nil {
			return img, fmt.Errorf("inspection: enqueue copy_snapshot for %s: %w", img.ID, err)
		}
	}
	return img, nil
}

// Advance moves img from preparing to inspecting once the snapshot/volume
// preparation side effects have completed, dispatching the attach step.
func (o *Orchestrator) Advance(ctx context.Context, img image.Image) (image.Image, error) {
	img, err := o.registry.SetStatus(ctx, img, image.StatusInspecting)
	if err != nil {
		return img, err
	}
	if o.dispatcher != nil {
		if err := o.dispatcher.Enqueue(ctx, img.ID, StepAttachVolume); err != nil {
			return img, fmt.Errorf("inspection: enqueue attach_volume for %s: %w", img.ID, err)
		}
	}
	return img, nil
}

// Fail records a failed attempt. If the image's attempt counter has not
// yet reached the configured maximum, it is left in its current
// (non-terminal) status for a later retry; otherwise it is forced to
// error with no further retry (spec §4.E retry bound, spec §7
// QuotaExhausted).
func (o *Orchestrator) Fail(ctx context.Context, img image.Image) (image.Image, error) {
	img.Attempts++
	if img.Attempts >= o.cfg.MaxAttempts {
		moved, err := o.registry.SetStatus(ctx, img, image.StatusError)
		if err != nil {
			return moved, err
		}
		return moved, &errs.QuotaExhausted{ImageID: img.ID, Attempts: img.Attempts}
	}
	return img, nil
}

// Encrypted short-circuits to error: an encrypted snapshot cannot be
// inspected and is never retried (spec §4.E, §7 InspectionEncrypted).
func (o *Orchestrator) Encrypted(ctx context.Context, img image.Image) (image.Image, error) {
	moved, err := o.registry.SetStatus(ctx, img, image.StatusError)
	if err != nil {
		return moved, err
	}
	return moved, &errs.InspectionEncrypted{ImageID: img.ID}
}

// NotLocatable short-circuits to error when the customer snapshot cannot
// be found, or the image copy was denied for reasons other than
// marketplace/public visibility (spec §4.E).
func (o *Orchestrator) NotLocatable(ctx context.Context, img image.Image, reason string) (image.Image, error) {
	return o.registry.SetStatus(ctx, img, image.StatusError)
}

// ReceiveVerdict applies an inspection verdict payload, moving the image
// to inspected (spec §4.B's inspection verdict queue).
func (o *Orchestrator) ReceiveVerdict(ctx context.Context, img image.Image, rawJSON string, flags image.Flags) (image.Image, error) {
	return o.registry.RecordInspectionVerdict(ctx, img, rawJSON, flags)
}
