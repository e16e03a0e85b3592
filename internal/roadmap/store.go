package roadmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted "roadmap.<operation>.<reason>" code around the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew         = "roadmap.store.new"
	opInsertOrUpdate   = "roadmap.insert_or_update"
	opSoftDelete       = "roadmap.soft_delete"
	opListActive       = "roadmap.list_active"
	opListSince        = "roadmap.list_since"
	opGetEditTime      = "roadmap.get_edittime"
	opGet              = "roadmap.get"
	opScanDue          = "roadmap.scan_due_cycle_tasks"
	opAdvanceOverdue   = "roadmap.advance_overdue_to_working"
	opApplyRemote      = "roadmap.apply_remote"
	fieldRecordID      = "record_id"
	fieldOwnerID       = "owner_id"
	columnID           = "id"
	columnEditTime     = "edittime"
	queryID            = columnID + " = ?"
	queryEditTimeAfter = columnEditTime + " > ?"
	queryDuePredicate  = "is_deleted = ? AND is_cycle_task = ? AND status <> ? AND next_reminder_time IS NOT NULL AND next_reminder_time <= ?"
	// A local mutation must beat the stored edittime under strict-newer LWW,
	// even when the wall clock lags a replicated value.
	expressionBumpEditTime = "MAX(" + columnEditTime + " + 1, ?)"

	reasonMissingDatabase = "missing_database"
	reasonInvalidRecord   = "invalid_record"
	reasonSelectFailed    = "select_failed"
	reasonSaveFailed      = "save_failed"
	reasonUpdateFailed    = "update_failed"
	reasonQueryFailed     = "query_failed"
	reasonNotFound        = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns the replicated roadmap table. Every operation is a single
// transaction; the database handle is expected to allow one open connection.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Now returns the store clock in unix seconds.
func (s *Store) Now() int64 {
	return s.clock().UTC().Unix()
}

// InsertOrUpdate upserts by id. A zero EditTime is replaced with the current
// second, or one past the stored value when the clock lags it; a supplied
// EditTime is kept verbatim.
// AddTime is immutable once the row exists.
func (s *Store) InsertOrUpdate(ctx context.Context, record Record) (Record, error) {
	if s.db == nil {
		return Record{}, newServiceError(opInsertOrUpdate, reasonMissingDatabase, errMissingDatabase)
	}
	normalized, err := record.normalized()
	if err != nil {
		return Record{}, newServiceError(opInsertOrUpdate, reasonInvalidRecord, err)
	}

	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findRecord(tx, normalized.ID)
		if err != nil {
			s.logError(opInsertOrUpdate, reasonSelectFailed, err, zap.Int64(fieldRecordID, normalized.ID))
			return newServiceError(opInsertOrUpdate, reasonSelectFailed, err)
		}

		now := s.Now()
		if normalized.EditTime == 0 {
			normalized.EditTime = now
			if existing != nil && existing.EditTime >= now {
				normalized.EditTime = existing.EditTime + 1
			}
		}

		if existing == nil {
			if normalized.AddTime == 0 {
				normalized.AddTime = now
			}
			if err := tx.Create(&normalized).Error; err != nil {
				s.logError(opInsertOrUpdate, reasonSaveFailed, err, zap.Int64(fieldRecordID, normalized.ID))
				return newServiceError(opInsertOrUpdate, reasonSaveFailed, err)
			}
		} else {
			normalized.AddTime = existing.AddTime
			if err := tx.Save(&normalized).Error; err != nil {
				s.logError(opInsertOrUpdate, reasonSaveFailed, err, zap.Int64(fieldRecordID, normalized.ID))
				return newServiceError(opInsertOrUpdate, reasonSaveFailed, err)
			}
		}
		stored = normalized
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return stored, nil
}

// SoftDelete tombstones the row and bumps its edittime past the stored value.
func (s *Store) SoftDelete(ctx context.Context, id int64) (Record, error) {
	if s.db == nil {
		return Record{}, newServiceError(opSoftDelete, reasonMissingDatabase, errMissingDatabase)
	}

	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Record{}).
			Where(queryID, id).
			Updates(map[string]any{
				"is_deleted":   true,
				columnEditTime: gorm.Expr(expressionBumpEditTime, s.Now()),
			})
		if result.Error != nil {
			s.logError(opSoftDelete, reasonUpdateFailed, result.Error, zap.Int64(fieldRecordID, id))
			return newServiceError(opSoftDelete, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opSoftDelete, reasonNotFound, ErrRecordNotFound)
		}
		if err := tx.Where(queryID, id).Take(&stored).Error; err != nil {
			s.logError(opSoftDelete, reasonSelectFailed, err, zap.Int64(fieldRecordID, id))
			return newServiceError(opSoftDelete, reasonSelectFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return stored, nil
}

// ListActive returns the owner's live rows edited after minEditTime,
// ordered by order_key ascending then edittime descending.
func (s *Store) ListActive(ctx context.Context, ownerID int64, minEditTime int64) ([]Record, error) {
	if s.db == nil {
		return nil, newServiceError(opListActive, reasonMissingDatabase, errMissingDatabase)
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ? AND "+queryEditTimeAfter, ownerID, false, minEditTime).
		Order("order_key ASC").
		Order("edittime DESC").
		Find(&records).Error; err != nil {
		s.logError(opListActive, reasonQueryFailed, err, zap.Int64(fieldOwnerID, ownerID))
		return nil, newServiceError(opListActive, reasonQueryFailed, err)
	}
	return records, nil
}

// ListSince returns every row, tombstones included, edited after minEditTime
// in ascending edittime order. This is the replication read path.
func (s *Store) ListSince(ctx context.Context, minEditTime int64) ([]Record, error) {
	if s.db == nil {
		return nil, newServiceError(opListSince, reasonMissingDatabase, errMissingDatabase)
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where(queryEditTimeAfter, minEditTime).
		Order("edittime ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListSince, reasonQueryFailed, err, zap.Int64("min_edittime", minEditTime))
		return nil, newServiceError(opListSince, reasonQueryFailed, err)
	}
	return records, nil
}

// GetEditTime returns the stored edittime for id, or false when the row is absent.
func (s *Store) GetEditTime(ctx context.Context, id int64) (int64, bool, error) {
	if s.db == nil {
		return 0, false, newServiceError(opGetEditTime, reasonMissingDatabase, errMissingDatabase)
	}
	existing, err := findRecord(s.db.WithContext(ctx), id)
	if err != nil {
		s.logError(opGetEditTime, reasonSelectFailed, err, zap.Int64(fieldRecordID, id))
		return 0, false, newServiceError(opGetEditTime, reasonSelectFailed, err)
	}
	if existing == nil {
		return 0, false, nil
	}
	return existing.EditTime, true, nil
}

// Get returns the row for id, tombstones included.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	if s.db == nil {
		return Record{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	existing, err := findRecord(s.db.WithContext(ctx), id)
	if err != nil {
		s.logError(opGet, reasonSelectFailed, err, zap.Int64(fieldRecordID, id))
		return Record{}, newServiceError(opGet, reasonSelectFailed, err)
	}
	if existing == nil {
		return Record{}, newServiceError(opGet, reasonNotFound, ErrRecordNotFound)
	}
	return *existing, nil
}

// ScanDueCycleTasks returns live cycle tasks that are not completed and whose reminder time is at or before now.
func (s *Store) ScanDueCycleTasks(ctx context.Context, now int64) ([]Record, error) {
	if s.db == nil {
		return nil, newServiceError(opScanDue, reasonMissingDatabase, errMissingDatabase)
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where(queryDuePredicate, false, true, StatusCompleted, now).
		Order("next_reminder_time ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opScanDue, reasonQueryFailed, err)
		return nil, newServiceError(opScanDue, reasonQueryFailed, err)
	}
	return records, nil
}

// AdvanceOverdueToWorking promotes due PLANNED cycle tasks to WORKING and
// bumps their edittime so the transition replicates. It returns the row count.
func (s *Store) AdvanceOverdueToWorking(ctx context.Context, now int64) (int64, error) {
	if s.db == nil {
		return 0, newServiceError(opAdvanceOverdue, reasonMissingDatabase, errMissingDatabase)
	}
	var affected int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Record{}).
			Where(queryDuePredicate+" AND status = ?", false, true, StatusCompleted, now, StatusPlanned).
			Updates(map[string]any{
				"status":       StatusWorking,
				columnEditTime: gorm.Expr(expressionBumpEditTime, now),
			})
		if result.Error != nil {
			s.logError(opAdvanceOverdue, reasonUpdateFailed, result.Error)
			return newServiceError(opAdvanceOverdue, reasonUpdateFailed, result.Error)
		}
		affected = result.RowsAffected
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return affected, nil
}

// ApplyResult reports the outcome of a batch apply.
type ApplyResult struct {
	Outcomes []ConflictOutcome
	Applied  int
}

// ApplyRemote applies peer rows verbatim under last-write-wins inside one
// transaction. Replaying the same batch applies nothing.
func (s *Store) ApplyRemote(ctx context.Context, records []Record) (ApplyResult, error) {
	if s.db == nil {
		return ApplyResult{}, newServiceError(opApplyRemote, reasonMissingDatabase, errMissingDatabase)
	}
	result := ApplyResult{Outcomes: make([]ConflictOutcome, 0, len(records))}
	if len(records) == 0 {
		return result, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			incoming, err := record.normalized()
			if err != nil {
				s.logError(opApplyRemote, reasonInvalidRecord, err, zap.Int64(fieldRecordID, record.ID))
				return newServiceError(opApplyRemote, reasonInvalidRecord, err)
			}
			existing, err := findRecord(tx, incoming.ID)
			if err != nil {
				s.logError(opApplyRemote, reasonSelectFailed, err, zap.Int64(fieldRecordID, incoming.ID))
				return newServiceError(opApplyRemote, reasonSelectFailed, err)
			}

			outcome := resolveIncoming(existing, incoming)
			if outcome.Accepted {
				var saveErr error
				if outcome.Inserted {
					saveErr = tx.Create(&outcome.Stored).Error
				} else {
					saveErr = tx.Save(&outcome.Stored).Error
				}
				if saveErr != nil {
					s.logError(opApplyRemote, reasonSaveFailed, saveErr, zap.Int64(fieldRecordID, incoming.ID))
					return newServiceError(opApplyRemote, reasonSaveFailed, saveErr)
				}
				result.Applied++
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}
		return nil
	})
	if txErr != nil {
		return ApplyResult{}, txErr
	}
	return result, nil
}

func findRecord(db *gorm.DB, id int64) (*Record, error) {
	var existing Record
	err := db.Where(queryID, id).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("roadmap store error", attrs...)
}
