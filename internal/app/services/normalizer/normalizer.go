// Package normalizer implements Component A: turning cloud-native audit
// records and discovery snapshots into the instance events the reconciler
// consumes, plus a tag-event side channel for the image registry.
package normalizer

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
)

// eventNameMap is the AWS CloudTrail eventName → EventType mapping from
// spec §4.A.
var eventNameMap = map[string]run.EventType{
	"RunInstances":                         run.EventPowerOn,
	"StartInstance":                        run.EventPowerOn,
	"StartInstances":                       run.EventPowerOn,
	"StopInstances":                        run.EventPowerOff,
	"TerminateInstance":                    run.EventPowerOff,
	"TerminateInstances":                   run.EventPowerOff,
	"TerminateInstanceInAutoScalingGroup":   run.EventPowerOff,
	"ModifyInstanceAttribute":              run.EventAttributeChange,
}

const (
	eventCreateTags = "CreateTags"
	eventDeleteTags = "DeleteTags"
	ec2EventSource  = "ec2.amazonaws.com"
	amiPrefix       = "ami-"
)

// InstanceRegistryLookup resolves a known instance's current image_ref and
// instance_type, used for missing-field backfill before falling back to a
// single cloud describe call.
type InstanceRegistryLookup func(cloudInstanceID string) (imageRef, instanceType string, ok bool)

// DescribeOne performs the single-instance describe fallback scoped to
// (account, region), used only when the registry has no answer.
type DescribeOne func(cloudInstanceID, region string) (imageRef, instanceType string, ok bool)

// NormalizedEvent is one instance event ready for the work queue, keyed by
// (accountID, cloudInstanceID).
type NormalizedEvent struct {
	AccountID        string
	CloudInstanceID  string
	Region           string
	Event            run.Event
}

// TagEvent is the side-channel record routed to the image registry for
// CreateTags/DeleteTags records touching an AMI.
type TagEvent struct {
	OccurredAt time.Time
	AccountID  string
	Region     string
	ImageID    string
	Tag        string
	Exists     bool // true for CreateTags, false for DeleteTags
}

// Config carries the operator-configured tag key set considered for tag
// events (spec §4.A: "currently the single OpenShift tag").
type Config struct {
	TrackedTags []string
}

// DiscoverySnapshot synthesizes one power_on event per running instance
// from a one-time describe-all, per spec §4.A item 1.
func DiscoverySnapshot(accountID, region string, running []DiscoveredInstance, now time.Time) []NormalizedEvent {
	out := make([]NormalizedEvent, 0, len(running))
	for _, inst := range running {
		out = append(out, NormalizedEvent{
			AccountID:       accountID,
			CloudInstanceID: inst.CloudInstanceID,
			Region:          region,
			Event: run.Event{
				InstanceID:   inst.CloudInstanceID,
				OccurredAt:   now,
				Type:         run.EventPowerOn,
				ImageRef:     inst.ImageRef,
				InstanceType: inst.InstanceType,
			},
		})
	}
	return out
}

// DiscoveredInstance is one running instance returned by a describe-all
// call at account-enable time.
type DiscoveredInstance struct {
	CloudInstanceID string
	ImageRef        string
	InstanceType    string
}

// AuditRecord is one parsed CloudTrail-shaped record, lifted out of the
// raw JSON by the caller (e.g. after reading an S3 log object).
type AuditRecord struct {
	EventSource string
	EventName   string
	EventTime   time.Time
	AccountID   string
	Region      string
	ErrorCode   string
	RawJSON     string // requestParameters / responseElements live here
}

// Accept applies the spec §4.A filtering rules: a record survives only if
// its eventSource is the EC2 source, it carries no errorCode, and its
// eventName is in the recognized mapping (power/tag events).
func Accept(rec AuditRecord) bool {
	if rec.EventSource != ec2EventSource {
		return false
	}
	if rec.ErrorCode != "" {
		return false
	}
	if _, ok := eventNameMap[rec.EventName]; ok {
		return true
	}
	return rec.EventName == eventCreateTags || rec.EventName == eventDeleteTags
}

// NormalizeRecord converts one accepted audit record into zero or more
// NormalizedEvents (power/attribute events, one per affected instance) and
// zero or more TagEvents (for CreateTags/DeleteTags on an ami- resource).
//
// registryLookup and describeOne perform the missing-field backfill
// described in spec §4.A: a record lacking image_ref or instance_type is
// first resolved against the instance registry, then against a single
// describe call; if both fail the field is emitted null rather than
// discarding the event, since the instance may have since terminated.
func NormalizeRecord(rec AuditRecord, cfg Config, registryLookup InstanceRegistryLookup, describeOne DescribeOne) ([]NormalizedEvent, []TagEvent) {
	if !Accept(rec) {
		return nil, nil
	}

	if rec.EventName == eventCreateTags || rec.EventName == eventDeleteTags {
		return nil, normalizeTagEvent(rec, cfg)
	}

	eventType := eventNameMap[rec.EventName]

	var instanceType string
	if eventType == run.EventAttributeChange {
		v := gjson.Get(rec.RawJSON, "requestParameters.instanceType.value")
		if !v.Exists() || v.String() == "" {
			return nil, nil // spec §4.A: discard if instance_type cannot be extracted
		}
		instanceType = v.String()
	}

	instanceIDs := extractInstanceIDs(rec.RawJSON)
	events := make([]NormalizedEvent, 0, len(instanceIDs))
	for _, instanceID := range instanceIDs {
		ev := run.Event{
			InstanceID:   instanceID,
			OccurredAt:   rec.EventTime,
			Type:         eventType,
			InstanceType: instanceType,
		}
		backfillMissingFields(&ev, instanceID, rec.Region, registryLookup, describeOne)
		events = append(events, NormalizedEvent{
			AccountID:       rec.AccountID,
			CloudInstanceID: instanceID,
			Region:          rec.Region,
			Event:           ev,
		})
	}
	return events, nil
}

func extractInstanceIDs(rawJSON string) []string {
	items := gjson.Get(rawJSON, "responseElements.instancesSet.items").Array()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id := item.Get("instanceId").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func backfillMissingFields(ev *run.Event, cloudInstanceID, region string, registryLookup InstanceRegistryLookup, describeOne DescribeOne) {
	needsImage := ev.ImageRef == ""
	needsType := ev.InstanceType == "" && ev.Type != run.EventAttributeChange
	if !needsImage && !needsType {
		return
	}

	if registryLookup != nil {
		if imageRef, instanceType, ok := registryLookup(cloudInstanceID); ok {
			if needsImage && imageRef != "" {
				ev.ImageRef = imageRef
				needsImage = false
			}
			if needsType && instanceType != "" {
				ev.InstanceType = instanceType
				needsType = false
			}
		}
	}

	if (needsImage || needsType) && describeOne != nil {
		if imageRef, instanceType, ok := describeOne(cloudInstanceID, region); ok {
			if needsImage && imageRef != "" {
				ev.ImageRef = imageRef
			}
			if needsType && instanceType != "" {
				ev.InstanceType = instanceType
			}
		}
	}
	// Otherwise the field is left empty: the instance may have since been
	// terminated and is no longer describable.
}

func normalizeTagEvent(rec AuditRecord, cfg Config) []TagEvent {
	resources := gjson.Get(rec.RawJSON, "requestParameters.resourcesSet.items").Array()
	tags := gjson.Get(rec.RawJSON, "requestParameters.tagSet.items").Array()
	exists := rec.EventName == eventCreateTags

	var out []TagEvent
	for _, resource := range resources {
		resourceID := resource.Get("resourceId").String()
		if !strings.HasPrefix(resourceID, amiPrefix) {
			continue
		}
		for _, tag := range tags {
			key := tag.Get("key").String()
			if !tracked(key, cfg.TrackedTags) {
				continue
			}
			out = append(out, TagEvent{
				OccurredAt: rec.EventTime,
				AccountID:  rec.AccountID,
				Region:     rec.Region,
				ImageID:    resourceID,
				Tag:        key,
				Exists:     exists,
			})
		}
	}
	return out
}

func tracked(key string, tracked []string) bool {
	for _, t := range tracked {
		if strings.EqualFold(t, key) {
			return true
		}
	}
	return false
}

// AzureDescribeAllEvent synthesizes the single power event spec §4.B
// describes for the Azure periodic describe-all path: one event per VM,
// on if running, else off, stamped at now.
func AzureDescribeAllEvent(cloudInstanceID string, running bool, now time.Time) run.Event {
	eventType := run.EventPowerOff
	if running {
		eventType = run.EventPowerOn
	}
	return run.Event{
		InstanceID: cloudInstanceID,
		OccurredAt: now,
		Type:       eventType,
	}
}
