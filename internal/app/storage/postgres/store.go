// Package postgres is the Postgres-backed implementation of every storage
// seam the services package declares (reconciler.Store, imageregistry.Store,
// instanceregistry.Store), plus account and roll-up persistence used by
// cmd/trackerd. It speaks raw SQL over lib/pq; there is no ORM layer.
package postgres

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/usage"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/reconciler"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/rollup"
)

// Store implements reconciler.Store plus account and roll-up persistence.
// imageregistry.Store and instanceregistry.Store are implemented by the
// sibling ImageStore and InstanceStore types in this package: both declare
// a FindByCloudID/Insert/Save triad with incompatible signatures, so one
// struct cannot satisfy both interfaces.
type Store struct {
	db *sql.DB
}

var _ reconciler.Store = (*Store)(nil)

// New wraps an open database handle. Migrations must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- reconciler.Store --------------------------------------------------

// LockInstance takes a session-level Postgres advisory lock keyed on a hash
// of instanceID, held on a single dedicated connection pulled from the pool.
// The returned release function unlocks and returns the connection.
func (s *Store) LockInstance(ctx context.Context, instanceID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	key := int64(hashKey(instanceID))
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		_ = conn.Close()
		return nil, err
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return release, nil
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (s *Store) AccountCreatedAt(ctx context.Context, instanceID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.created_at
		FROM accounts a
		JOIN instances i ON i.account_id = a.id
		WHERE i.id = $1
	`, instanceID)

	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

func (s *Store) EventsSince(ctx context.Context, instanceID string, since time.Time) ([]run.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		(
			SELECT id, instance_id, occurred_at, seq_no, event_type, instance_type, subnet, image_ref
			FROM instance_events
			WHERE instance_id = $1 AND occurred_at >= $2
		)
		UNION ALL
		(
			SELECT id, instance_id, occurred_at, seq_no, event_type, instance_type, subnet, image_ref
			FROM instance_events
			WHERE instance_id = $1 AND occurred_at < $2
			ORDER BY occurred_at DESC, seq_no DESC
			LIMIT 1
		)
		ORDER BY occurred_at, seq_no
	`, instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []run.Event
	for rows.Next() {
		var e run.Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.OccurredAt, &e.SeqNo, &eventType, &e.InstanceType, &e.Subnet, &e.ImageRef); err != nil {
			return nil, err
		}
		e.Type = run.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ExistingRunStarts(ctx context.Context, instanceID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time FROM runs WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		starts = append(starts, t)
	}
	return starts, rows.Err()
}

func (s *Store) ReplaceRunsSince(ctx context.Context, instanceID string, watermark time.Time, newRuns []run.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE instance_id = $1 AND start_time >= $2
	`, instanceID, watermark); err != nil {
		return err
	}

	for _, r := range newRuns {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, instance_id, start_time, end_time, image_ref, instance_type, vcpu, memory_mib)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.ID, instanceID, r.StartTime, r.EndTime, r.ImageRef, r.InstanceType, r.VCPU, r.MemoryMiB); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) AppendOpenRun(ctx context.Context, r run.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, instance_id, start_time, end_time, image_ref, instance_type, vcpu, memory_mib)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $7)
	`, r.ID, r.InstanceID, r.StartTime, r.ImageRef, r.InstanceType, r.VCPU, r.MemoryMiB)
	return err
}

func (s *Store) InsertEvent(ctx context.Context, e run.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_events (id, instance_id, occurred_at, event_type, instance_type, subnet, image_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.InstanceID, e.OccurredAt, string(e.Type), e.InstanceType, e.Subnet, e.ImageRef)
	return err
}

func (s *Store) HasOpenRun(ctx context.Context, instanceID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM runs WHERE instance_id = $1 AND end_time IS NULL)
	`, instanceID)

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func toNullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// --- roll-up input queries ---------------------------------------------

// ActiveUsersOnDay returns the distinct app_users owning at least one run
// overlapping [dayStart, dayEnd), the driver loop for the daily roll-up
// scheduler (spec §4.F).
func (s *Store) ActiveUsersOnDay(ctx context.Context, dayStart, dayEnd time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.app_user
		FROM runs r
		JOIN instances i ON i.id = r.instance_id
		JOIN accounts a ON a.id = i.account_id
		WHERE r.start_time < $2 AND (r.end_time IS NULL OR r.end_time > $1)
	`, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RunsForUserOnDay loads every run overlapping [dayStart, dayEnd) owned by
// appUser, already resolved to the rollup.RunView shape the roll-up needs:
// vcpu/memory come straight off the run row (reconciler.Reconcile already
// resolved them at write time), RHEL/OpenShift classification comes from
// joining the run's image_ref against machine_images.
func (s *Store) RunsForUserOnDay(ctx context.Context, appUser string, dayStart, dayEnd time.Time) ([]rollup.RunView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.instance_id, r.start_time, r.end_time, r.vcpu, r.memory_mib,
		       COALESCE(m.inspection_repos_found, false), COALESCE(m.product_certs_found, false),
		       COALESCE(m.release_files_found, false), COALESCE(m.signed_packages_found, false),
		       COALESCE(m.rhel_detected_by_tag, false), COALESCE(m.rhel_challenged, false),
		       COALESCE(m.is_cloud_access, false),
		       COALESCE(m.openshift_detected, false), COALESCE(m.openshift_challenged, false)
		FROM runs r
		JOIN instances i ON i.id = r.instance_id
		JOIN accounts a ON a.id = i.account_id
		LEFT JOIN machine_images m ON m.cloud_type = i.cloud_type AND m.cloud_image_id = r.image_ref
		WHERE a.app_user = $1 AND r.start_time < $3 AND (r.end_time IS NULL OR r.end_time > $2)
	`, appUser, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []rollup.RunView
	for rows.Next() {
		var (
			v     view
			flags image.Flags
		)
		if err := rows.Scan(&v.instanceID, &v.start, &v.end, &v.vcpu, &v.memoryMiB,
			&flags.InspectionReposFound, &flags.ProductCertsFound, &flags.ReleaseFilesFound,
			&flags.SignedPackagesFound, &flags.RHELDetectedByTag, &flags.RHELChallenged,
			&flags.IsCloudAccess, &flags.OpenShiftDetected, &flags.OpenShiftChallenged); err != nil {
			return nil, err
		}

		img := image.Image{Flags: flags}
		views = append(views, rollup.RunView{
			InstanceID: v.instanceID,
			Start:      v.start,
			End:        v.end,
			RHEL:       img.RHEL(),
			OpenShift:  img.OpenShift(),
			VCPU:       v.vcpu,
			MemoryMiB:  v.memoryMiB,
			HasType:    v.vcpu > 0,
		})
	}
	return views, rows.Err()
}

// view is scan scratch space for RunsForUserOnDay.
type view struct {
	instanceID string
	start      time.Time
	end        *time.Time
	vcpu       int
	memoryMiB  int
}

// --- usage roll-up persistence ---------------------------------------

// SaveConcurrentUsage upserts the day's peak concurrency totals for a user.
func (s *Store) SaveConcurrentUsage(ctx context.Context, appUser string, day time.Time, rhel, openshift usage.Totals) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concurrent_usage (
			app_user, usage_date,
			rhel_max_vcpu, rhel_max_memory_mib, rhel_max_instances,
			openshift_max_vcpu, openshift_max_memory_mib, openshift_max_instances
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (app_user, usage_date) DO UPDATE SET
			rhel_max_vcpu = $3, rhel_max_memory_mib = $4, rhel_max_instances = $5,
			openshift_max_vcpu = $6, openshift_max_memory_mib = $7, openshift_max_instances = $8
	`, appUser, day.Format("2006-01-02"),
		rhel.MaxVCPU, rhel.MaxMemoryMiB, rhel.MaxInstances,
		openshift.MaxVCPU, openshift.MaxMemoryMiB, openshift.MaxInstances,
	)
	return err
}
