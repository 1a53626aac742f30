package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/config"
	"bitbucket.org/mmdatafocus/stockaudit_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleStartedAfter is how long a STARTED row blocks a retry before it is
// considered abandoned.
const staleStartedAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns skip=true and
// the stored result.
func BeginIdempotency(tx *gorm.DB, scope, key string) (prior *string, skip bool, err error) {
	row := models.IdempotencyKey{
		Scope:  scope,
		Key:    key,
		Status: models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&row).Error; err == nil {
		return nil, false, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("scope = ? AND idempotency_key = ?", scope, key).First(&existing).Error; err != nil {
		return nil, false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return existing.Result, true, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < staleStartedAfter {
			return nil, false, ErrIdempotencyInProgress
		}
	}
	// FAILED or stale STARTED: take the row over. Only one caller can move it
	// off the (status, attempt) pair it read.
	res := tx.Model(&models.IdempotencyKey{}).
		Where("id = ? AND status = ? AND attempt = ?", existing.ID, existing.Status, existing.Attempt).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusStarted,
			"last_error": nil,
			"attempt":    existing.Attempt + 1,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, ErrIdempotencyInProgress
	}
	return nil, false, nil
}

func MarkIdempotencySucceeded(tx *gorm.DB, scope, key, result string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND idempotency_key = ?", scope, key).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result": &result, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, scope, key string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND idempotency_key = ?", scope, key).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// GormIdempotencyStore is the IdempotencyStore backed by the idempotency_keys table.
type GormIdempotencyStore struct {
	DB *gorm.DB
}

func NewGormIdempotencyStore(db *gorm.DB) *GormIdempotencyStore {
	if db == nil {
		db = config.GetDB()
	}
	return &GormIdempotencyStore{DB: db}
}

func (s *GormIdempotencyStore) Begin(ctx context.Context, scope, key string) (*string, bool, error) {
	return BeginIdempotency(s.DB.WithContext(ctx), scope, key)
}

func (s *GormIdempotencyStore) MarkSucceeded(ctx context.Context, scope, key string, result string) error {
	return MarkIdempotencySucceeded(s.DB.WithContext(ctx), scope, key, result)
}

func (s *GormIdempotencyStore) MarkFailed(ctx context.Context, scope, key string, cause error) error {
	return MarkIdempotencyFailed(s.DB.WithContext(ctx), scope, key, cause)
}
