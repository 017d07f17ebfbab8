package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

// AccountStore persists onboarded cloud accounts.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore wraps an open database handle.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, cloud_type, cloud_account_id, app_user, arn_or_subscription, created_at, enabled_at, disabled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, acct.ID, string(acct.CloudType), acct.CloudAccountID, acct.User, acct.ARNOrSubscription, acct.CreatedAt, toNullTime(acct.EnabledAt), toNullTime(acct.DisabledAt))
	if err != nil {
		return account.Account{}, err
	}
	return acct, nil
}

func (s *AccountStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudAccountID string) (account.Account, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cloud_type, cloud_account_id, app_user, arn_or_subscription, created_at, enabled_at, disabled_at
		FROM accounts
		WHERE cloud_type = $1 AND cloud_account_id = $2
	`, string(cloudType), cloudAccountID)

	var (
		acct                 account.Account
		cloudStr             string
		enabledAt, disabledAt sql.NullTime
	)
	if err := row.Scan(&acct.ID, &cloudStr, &acct.CloudAccountID, &acct.User, &acct.ARNOrSubscription, &acct.CreatedAt, &enabledAt, &disabledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, false, nil
		}
		return account.Account{}, false, err
	}
	acct.CloudType = cloudtype.Type(cloudStr)
	if enabledAt.Valid {
		acct.EnabledAt = &enabledAt.Time
	}
	if disabledAt.Valid {
		acct.DisabledAt = &disabledAt.Time
	}
	return acct, true, nil
}

// EnabledByCloudType lists every currently-enabled account of cloudType,
// the driver loop for the Azure describe-all poller (spec §6; AWS accounts
// ingest via CloudTrail instead and never need this listing).
func (s *AccountStore) EnabledByCloudType(ctx context.Context, cloudType cloudtype.Type) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cloud_type, cloud_account_id, app_user, arn_or_subscription, created_at, enabled_at, disabled_at
		FROM accounts
		WHERE cloud_type = $1 AND enabled_at IS NOT NULL
		  AND (disabled_at IS NULL OR disabled_at < enabled_at)
	`, string(cloudType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []account.Account
	for rows.Next() {
		var (
			acct                  account.Account
			cloudStr              string
			enabledAt, disabledAt sql.NullTime
		)
		if err := rows.Scan(&acct.ID, &cloudStr, &acct.CloudAccountID, &acct.User, &acct.ARNOrSubscription, &acct.CreatedAt, &enabledAt, &disabledAt); err != nil {
			return nil, err
		}
		acct.CloudType = cloudtype.Type(cloudStr)
		if enabledAt.Valid {
			acct.EnabledAt = &enabledAt.Time
		}
		if disabledAt.Valid {
			acct.DisabledAt = &disabledAt.Time
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *AccountStore) Enable(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET enabled_at = $2, disabled_at = NULL WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *AccountStore) Disable(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET disabled_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func toNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
