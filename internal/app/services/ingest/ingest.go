// Package ingest is the AWS half of Component A: it drains the S3
// event-notification queue the tracker's own CloudTrail bucket feeds,
// fetches each referenced audit-log object, and runs every record through
// the normalizer before handing the results to the work queue and the
// image registry. Azure has no equivalent poller; its events come from
// scheduler's periodic describe-all instead (spec §4.A/§4.B).
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/cloud/aws"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/normalizer"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/queue"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/worker"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/logger"
)

// AccountLookup resolves the cloud account a record's recipientAccountId
// names, needed to scope the describe-fallback client.
type AccountLookup func(ctx context.Context, cloudAccountID string) (account.Account, bool, error)

// Poller drains the audit notification queue on a ticker.
type Poller struct {
	fetcher      *aws.AuditFetcher
	queueURL     string
	eventQueue   *queue.Queue
	images       *imageregistry.Registry
	accounts     AccountLookup
	describe     *aws.Adapter
	cfg          normalizer.Config
	pollInterval int32
	batchSize    int32
	log          *logger.Logger

	stop chan struct{}
	done chan struct{}
}

// Config bundles Poller's collaborators.
type Config struct {
	Fetcher      *aws.AuditFetcher
	QueueURL     string
	EventQueue   *queue.Queue
	Images       *imageregistry.Registry
	Accounts     AccountLookup
	Describe     *aws.Adapter
	TrackedTags  []string
	PollInterval time.Duration
	BatchSize    int32
	Logger       *logger.Logger
}

// New builds a Poller. Jobs are not started until Start.
func New(cfg Config) *Poller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	return &Poller{
		fetcher:      cfg.Fetcher,
		queueURL:     cfg.QueueURL,
		eventQueue:   cfg.EventQueue,
		images:       cfg.Images,
		accounts:     cfg.Accounts,
		describe:     cfg.Describe,
		cfg:          normalizer.Config{TrackedTags: cfg.TrackedTags},
		pollInterval: int32(interval / time.Second),
		batchSize:    batch,
		log:          cfg.Logger,
	}
}

// Name satisfies system.Service.
func (p *Poller) Name() string { return "audit-ingest" }

// Start satisfies system.Service.
func (p *Poller) Start(ctx context.Context) error {
	if p.queueURL == "" {
		return nil // no ingest queue configured; nothing to drain
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	interval := time.Duration(p.pollInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.pollOnce(ctx)
			case <-p.stop:
				return
			}
		}
	}()
	return nil
}

// Stop satisfies system.Service.
func (p *Poller) Stop(ctx context.Context) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// auditFile mirrors the top-level envelope of a CloudTrail log object: a
// flat array of event records.
type auditFile struct {
	Records []json.RawMessage `json:"Records"`
}

// recordMeta is the subset of one CloudTrail record's fields the
// normalizer needs outside of the raw JSON blob it inspects with gjson.
type recordMeta struct {
	EventSource        string    `json:"eventSource"`
	EventName          string    `json:"eventName"`
	EventTime          time.Time `json:"eventTime"`
	RecipientAccountID string    `json:"recipientAccountId"`
	AWSRegion          string    `json:"awsRegion"`
	ErrorCode          string    `json:"errorCode"`
}

func (p *Poller) pollOnce(ctx context.Context) {
	messages, err := p.fetcher.ReceiveNotifications(ctx, p.queueURL, p.batchSize)
	if err != nil {
		p.logf("receive audit notifications: %v", err)
		return
	}

	for _, msg := range messages {
		if !p.processMessage(ctx, msg) {
			// A transiently-unfetchable or malformed object must not be
			// acked: leave the message for redelivery so it eventually
			// dead-letters instead of being dropped on the first failure.
			continue
		}
		if err := p.fetcher.DeleteNotification(ctx, p.queueURL, msg.ReceiptHandle); err != nil {
			p.logf("delete audit notification: %v", err)
		}
	}
}

// processMessage runs every S3 object one SQS notification names through
// fetch -> parse -> normalize, returning true only if every object in the
// message was fetched and parsed without error (the precondition for
// acking the message at all).
func (p *Poller) processMessage(ctx context.Context, msg aws.AuditMessage) bool {
	ok := true
	for _, note := range msg.Records {
		body, err := p.fetcher.FetchAuditObject(ctx, note)
		if err != nil {
			p.logf("fetch audit object %s/%s: %v", note.Bucket, note.Key, err)
			ok = false
			continue
		}
		if !p.processAuditObject(ctx, body) {
			ok = false
		}
	}
	return ok
}

func (p *Poller) processAuditObject(ctx context.Context, body []byte) bool {
	records, err := parseAuditRecords(body)
	if err != nil {
		p.logf("parse audit object: %v", err)
		return false
	}

	for _, rec := range records {
		events, tagEvents := normalizer.NormalizeRecord(rec, p.cfg, nil, p.describeOneFor(ctx, rec.AccountID))
		for _, ev := range events {
			p.enqueueEvent(ctx, ev)
		}
		for _, tag := range tagEvents {
			p.applyTagEvent(ctx, tag)
		}
	}
	return true
}

// parseAuditRecords lifts the flat CloudTrail Records array out of one
// audit-log object body into normalizer.AuditRecords, keeping each record's
// full raw JSON so NormalizeRecord's gjson lookups can reach into
// requestParameters/responseElements.
func parseAuditRecords(body []byte) ([]normalizer.AuditRecord, error) {
	var file auditFile
	if err := json.Unmarshal(body, &file); err != nil {
		return nil, err
	}

	records := make([]normalizer.AuditRecord, 0, len(file.Records))
	for _, raw := range file.Records {
		var meta recordMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		records = append(records, normalizer.AuditRecord{
			EventSource: meta.EventSource,
			EventName:   meta.EventName,
			EventTime:   meta.EventTime,
			AccountID:   meta.RecipientAccountID,
			Region:      meta.AWSRegion,
			ErrorCode:   meta.ErrorCode,
			RawJSON:     string(raw),
		})
	}
	return records, nil
}

func (p *Poller) enqueueEvent(ctx context.Context, ev normalizer.NormalizedEvent) {
	payload := worker.InstanceEventPayload{
		CloudType:       string(cloudtype.AWS),
		CloudInstanceID: ev.CloudInstanceID,
		Region:          ev.Region,
		AccountID:       ev.AccountID,
		Event:           ev.Event,
	}
	key := ev.AccountID + "/" + ev.CloudInstanceID
	if err := p.eventQueue.Send(ctx, key, queue.KindInstanceEvent, payload); err != nil {
		p.logf("enqueue instance event for %s: %v", key, err)
	}
}

func (p *Poller) applyTagEvent(ctx context.Context, tag normalizer.TagEvent) {
	img, found, err := p.images.Lookup(ctx, cloudtype.AWS, tag.ImageID)
	if err != nil || !found {
		return // the AMI isn't registered yet; nothing to fold the tag into
	}
	_, err = p.images.ApplyTagDeltas(ctx, img, []imageregistry.TagDelta{{
		OccurredAt: tag.OccurredAt,
		ImageID:    img.ID,
		Tag:        tag.Tag,
		Exists:     tag.Exists,
	}})
	if err != nil {
		p.logf("apply tag delta for %s: %v", tag.ImageID, err)
	}
}

// describeOneFor adapts the account-scoped aws.Adapter.DescribeOne to the
// normalizer's (cloudInstanceID, region) shape, resolving the owning
// account lazily since records arrive one at a time.
func (p *Poller) describeOneFor(ctx context.Context, cloudAccountID string) normalizer.DescribeOne {
	if p.describe == nil || p.accounts == nil {
		return nil
	}
	return func(cloudInstanceID, region string) (imageRef, instanceType string, ok bool) {
		acct, found, err := p.accounts(ctx, cloudAccountID)
		if err != nil || !found {
			return "", "", false
		}
		imageRef, instanceType, ok, err = p.describe.DescribeOne(ctx, acct, cloudInstanceID)
		if err != nil {
			return "", "", false
		}
		return imageRef, instanceType, ok
	}
}

func (p *Poller) logf(format string, args ...interface{}) {
	if p.log == nil {
		return
	}
	p.log.Infof(format, args...)
}
