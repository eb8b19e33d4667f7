package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripflow/models"
)

// ClaimTable grants time-bounded exclusive execution rights, one per
// enrollment. It is the only shared structure requiring compare-and-set
// semantics; everything else uses ordinary transactional writes.
type ClaimTable interface {
	// TryClaim atomically acquires the enrollment's lease. It succeeds only
	// if no unexpired claim exists and returns ErrAlreadyClaimed otherwise.
	TryClaim(ctx context.Context, enrollmentID, stepID uint, ttl time.Duration) (token string, err error)

	// Release drops the lease identified by token. Releasing an unknown or
	// already-expired token is a no-op.
	Release(ctx context.Context, token string) error

	// PurgeExpired removes leases past their expiry. Purging is hygiene
	// only: TryClaim already takes over expired rows.
	PurgeExpired(ctx context.Context) (int64, error)
}

// SQLClaimTable implements ClaimTable on the step_claims table. The upsert
// conflicts on the enrollment_id unique index and only overwrites rows
// whose lease has expired, which makes takeover of crashed executors a
// single atomic statement.
type SQLClaimTable struct {
	DB *gorm.DB
}

func NewSQLClaimTable(db *gorm.DB) *SQLClaimTable {
	return &SQLClaimTable{DB: db}
}

func (t *SQLClaimTable) TryClaim(ctx context.Context, enrollmentID, stepID uint, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claim := models.StepClaim{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Token:        uuid.NewString(),
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}

	res := t.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "enrollment_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"step_id":    stepID,
			"token":      claim.Token,
			"expires_at": claim.ExpiresAt,
			"created_at": now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lte{Column: clause.Column{Table: "step_claims", Name: "expires_at"}, Value: now},
		}},
	}).Create(&claim)

	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrAlreadyClaimed
	}
	return claim.Token, nil
}

func (t *SQLClaimTable) Release(ctx context.Context, token string) error {
	return t.DB.WithContext(ctx).
		Where("token = ?", token).
		Delete(&models.StepClaim{}).Error
}

func (t *SQLClaimTable) PurgeExpired(ctx context.Context) (int64, error) {
	res := t.DB.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&models.StepClaim{})
	return res.RowsAffected, res.Error
}

// MemoryClaimTable implements ClaimTable in process memory, for
// single-instance deployments and tests. Semantics match SQLClaimTable.
type MemoryClaimTable struct {
	mu     sync.Mutex
	leases map[uint]memLease // keyed by enrollment ID
}

type memLease struct {
	token     string
	stepID    uint
	expiresAt time.Time
}

func NewMemoryClaimTable() *MemoryClaimTable {
	return &MemoryClaimTable{leases: make(map[uint]memLease)}
}

func (t *MemoryClaimTable) TryClaim(_ context.Context, enrollmentID, stepID uint, ttl time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if lease, ok := t.leases[enrollmentID]; ok && lease.expiresAt.After(now) {
		return "", ErrAlreadyClaimed
	}
	lease := memLease{
		token:     uuid.NewString(),
		stepID:    stepID,
		expiresAt: now.Add(ttl),
	}
	t.leases[enrollmentID] = lease
	return lease.token, nil
}

func (t *MemoryClaimTable) Release(_ context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, lease := range t.leases {
		if lease.token == token {
			delete(t.leases, id)
			return nil
		}
	}
	return nil
}

func (t *MemoryClaimTable) PurgeExpired(_ context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var purged int64
	for id, lease := range t.leases {
		if !lease.expiresAt.After(now) {
			delete(t.leases, id)
			purged++
		}
	}
	return purged, nil
}
