// Package memory provides in-process implementations of the storage seams
// declared by internal/app/services, used by integration-style tests that
// don't need a live Postgres instance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/reconciler"
)

// Store is a single mutex-guarded in-memory backing for all three storage
// seams plus accounts, mirroring the row layout of the Postgres schema
// closely enough that tests exercising one can be replayed against the
// other.
type Store struct {
	mu sync.Mutex

	accounts  map[string]account.Account // id -> account
	instances map[string]instance.Instance
	images    map[string]image.Image
	events    map[string][]run.Event // instanceID -> events, insertion order
	runs      map[string][]run.Run   // instanceID -> runs
	locks     map[string]*sync.Mutex
	nextSeqNo map[string]int64 // instanceID -> next auto seq_no, mirrors BIGSERIAL
}

// Store implements reconciler.Store and imageregistry.Store. Instance
// lookups live on the sibling InstanceStore type: imageregistry.Store and
// instanceregistry.Store both declare a FindByCloudID/Insert/Save triad
// with incompatible signatures, so one struct cannot satisfy both.
var (
	_ reconciler.Store    = (*Store)(nil)
	_ imageregistry.Store = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]account.Account),
		instances: make(map[string]instance.Instance),
		images:    make(map[string]image.Image),
		events:    make(map[string][]run.Event),
		runs:      make(map[string][]run.Run),
		locks:     make(map[string]*sync.Mutex),
		nextSeqNo: make(map[string]int64),
	}
}

// CreateAccount seeds an account, used by tests to establish the
// account_created_at watermark.
func (s *Store) CreateAccount(acct account.Account) account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	s.accounts[acct.ID] = acct
	return acct
}

// SeedInstance registers an instance directly under a given account,
// bypassing instanceregistry -- used to set up reconciler fixtures.
func (s *Store) SeedInstance(inst instance.Instance) instance.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	s.instances[inst.ID] = inst
	return inst
}

// --- reconciler.Store --------------------------------------------------

func (s *Store) LockInstance(_ context.Context, instanceID string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[instanceID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}

func (s *Store) AccountCreatedAt(_ context.Context, instanceID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return time.Time{}, errNotFound("instance", instanceID)
	}
	acct, ok := s.accounts[inst.AccountID]
	if !ok {
		return time.Time{}, errNotFound("account", inst.AccountID)
	}
	return acct.CreatedAt, nil
}

func (s *Store) EventsSince(_ context.Context, instanceID string, since time.Time) ([]run.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]run.Event(nil), s.events[instanceID]...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].SeqNo < all[j].SeqNo
		}
		return all[i].OccurredAt.Before(all[j].OccurredAt)
	})

	var anchor *run.Event
	var result []run.Event
	for i := range all {
		if all[i].OccurredAt.Before(since) {
			e := all[i]
			anchor = &e
			continue
		}
		result = append(result, all[i])
	}
	if anchor != nil {
		result = append([]run.Event{*anchor}, result...)
	}
	return result, nil
}

func (s *Store) ExistingRunStarts(_ context.Context, instanceID string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var starts []time.Time
	for _, r := range s.runs[instanceID] {
		starts = append(starts, r.StartTime)
	}
	return starts, nil
}

func (s *Store) ReplaceRunsSince(_ context.Context, instanceID string, watermark time.Time, newRuns []run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []run.Run
	for _, r := range s.runs[instanceID] {
		if r.StartTime.Before(watermark) {
			kept = append(kept, r)
		}
	}
	for _, r := range newRuns {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.InstanceID = instanceID
		kept = append(kept, r)
	}
	s.runs[instanceID] = kept
	return nil
}

func (s *Store) AppendOpenRun(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.runs[r.InstanceID] = append(s.runs[r.InstanceID], r)
	return nil
}

func (s *Store) InsertEvent(_ context.Context, e run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	for _, existing := range s.events[e.InstanceID] {
		if existing.ID == e.ID {
			return nil // idempotent replay of an already-recorded event
		}
	}
	if e.SeqNo == 0 {
		s.nextSeqNo[e.InstanceID]++
		e.SeqNo = s.nextSeqNo[e.InstanceID]
	}
	s.events[e.InstanceID] = append(s.events[e.InstanceID], e)
	return nil
}

func (s *Store) HasOpenRun(_ context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs[instanceID] {
		if r.Open() {
			return true, nil
		}
	}
	return false, nil
}

// --- imageregistry.Store -------------------------------------------------

func (s *Store) FindByCloudID(_ context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.CloudType == cloudType && img.CloudImageID == cloudImageID {
			return img, true, nil
		}
	}
	return image.Image{}, false, nil
}

func (s *Store) Insert(_ context.Context, img image.Image) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	s.images[img.ID] = img
	return img, nil
}

func (s *Store) Save(_ context.Context, img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[img.ID]; !ok {
		return errNotFound("image", img.ID)
	}
	s.images[img.ID] = img
	return nil
}

// --- shared instance CRUD, exposed to instanceregistry via InstanceStore --

func (s *Store) findInstanceByCloudID(cloudType cloudtype.Type, cloudInstanceID string) (instance.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.CloudType == cloudType && inst.CloudInstanceID == cloudInstanceID {
			return inst, true
		}
	}
	return instance.Instance{}, false
}

func (s *Store) insertInstance(inst instance.Instance) instance.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	s.instances[inst.ID] = inst
	return inst
}

func (s *Store) saveInstance(inst instance.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return errNotFound("instance", inst.ID)
	}
	s.instances[inst.ID] = inst
	return nil
}

func errNotFound(kind, id string) error {
	return &notFoundErr{kind: kind, id: id}
}

type notFoundErr struct {
	kind, id string
}

func (e *notFoundErr) Error() string {
	return e.kind + " not found: " + e.id
}
