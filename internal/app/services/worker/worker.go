// Package worker drains the Work Queue (Component G) and dispatches each
// envelope by kind: instance events go to the reconciler; inspection steps
// are decoded and logged only, with no side effect carried out and the
// orchestrator not called. It is the glue
// between the at-least-once queue and the rest of the pipeline, grounded
// on the teacher's poll-loop system.Service pattern (a goroutine ticking
// against Start/Stop rather than a blocking run loop).
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/inspection"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/instanceregistry"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/queue"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/reconciler"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/logger"
)

// InstanceEventPayload is the queue.Envelope payload for queue.KindInstanceEvent.
type InstanceEventPayload struct {
	CloudType       string     `json:"cloud_type"`
	CloudInstanceID string     `json:"cloud_instance_id"`
	Region          string     `json:"region"`
	AccountID       string     `json:"account_id"`
	Event           run.Event  `json:"event"`
}

// InspectionStepPayload is the queue.Envelope payload for queue.KindInspection.
type InspectionStepPayload struct {
	ImageID string          `json:"image_id"`
	Step    inspection.Step `json:"step"`
}

// Worker polls the queue in a loop and routes envelopes by Kind.
type Worker struct {
	q            *queue.Queue
	store        reconciler.Store
	instances    *instanceregistry.Registry
	typeLookup   reconciler.TypeLookup
	orchestrator *inspection.Orchestrator
	log          *logger.Logger
	pollInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

// Config bundles Worker's collaborators.
type Config struct {
	Queue        *queue.Queue
	Store        reconciler.Store
	Instances    *instanceregistry.Registry
	TypeLookup   reconciler.TypeLookup
	Orchestrator *inspection.Orchestrator
	Logger       *logger.Logger
	PollInterval time.Duration
}

// New builds a Worker.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		q:            cfg.Queue,
		store:        cfg.Store,
		instances:    cfg.Instances,
		typeLookup:   cfg.TypeLookup,
		orchestrator: cfg.Orchestrator,
		log:          cfg.Logger,
		pollInterval: cfg.PollInterval,
	}
}

// Name satisfies system.Service.
func (w *Worker) Name() string { return "queue-worker" }

// Start satisfies system.Service: launches the poll loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.q.EnsureGroup(ctx); err != nil {
		return err
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.drain(ctx)
			case <-w.stop:
				return
			}
		}
	}()
	return nil
}

// Stop satisfies system.Service.
func (w *Worker) Stop(ctx context.Context) error {
	if w.stop == nil {
		return nil
	}
	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Worker) drain(ctx context.Context) {
	messages, err := w.q.Receive(ctx)
	if err != nil {
		w.logf("receive: %v", err)
		return
	}
	for _, msg := range messages {
		if err := w.handle(ctx, msg); err != nil {
			w.logf("handle %s %s: %v", msg.Envelope.Kind, msg.Envelope.Key, err)
			continue
		}
		if err := w.q.Ack(ctx, msg); err != nil {
			w.logf("ack %s: %v", msg.ID, err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	switch msg.Envelope.Kind {
	case queue.KindInstanceEvent:
		return w.handleInstanceEvent(ctx, msg.Envelope.Payload)
	case queue.KindInspection:
		return w.handleInspectionStep(ctx, msg.Envelope.Payload)
	default:
		return nil
	}
}

func (w *Worker) handleInstanceEvent(ctx context.Context, raw json.RawMessage) error {
	var payload InstanceEventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	inst, err := w.instances.Upsert(ctx, payload.AccountID, cloudtype.Type(payload.CloudType), payload.CloudInstanceID, payload.Region, payload.Event.ImageRef)
	if err != nil {
		return err
	}

	payload.Event.InstanceID = inst.ID
	return reconciler.Recompute(ctx, w.store, inst.ID, []run.Event{payload.Event}, w.typeLookup)
}

func (w *Worker) handleInspectionStep(ctx context.Context, raw json.RawMessage) error {
	var payload InspectionStepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	// The concrete side-effect (copying a snapshot/volume, attaching it to
	// the inspector instance, ingesting the resulting verdict) is carried
	// out by cloud-specific code outside this package; this logs intent so
	// the step is at least observable end to end.
	w.logf("inspection step %s for image %s", payload.Step, payload.ImageID)
	return nil
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.Infof(format, args...)
}
