package roadmap

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates roadmap record states. The set is open; unknown tags are stored as given.
type Status string

const (
	// StatusPlanned marks a record that has not been started.
	StatusPlanned Status = "PLANNED"
	// StatusWorking marks a record in progress.
	StatusWorking Status = "WORKING"
	// StatusCompleted marks a finished record. Completed cycle tasks are ignored by the reminder scan.
	StatusCompleted Status = "COMPLETED"
)

const (
	// DefaultColor is the sentinel stored when a record carries no color.
	DefaultColor = "#4A90E2"
	// DefaultOwnerID is assigned to records that arrive without an owner.
	DefaultOwnerID int64 = 1

	maxNameLength   = 190
	maxStatusLength = 32
	maxColorLength  = 32
)

var (
	// ErrInvalidRecordID indicates that a record identifier is not positive.
	ErrInvalidRecordID = errors.New("roadmap: invalid record id")
	// ErrInvalidEditTime indicates that an edittime is negative.
	ErrInvalidEditTime = errors.New("roadmap: invalid edittime")
	// ErrInvalidStatus indicates that a status tag exceeds storage bounds.
	ErrInvalidStatus = errors.New("roadmap: invalid status")
	// ErrInvalidName indicates that a name exceeds storage bounds.
	ErrInvalidName = errors.New("roadmap: invalid name")
	// ErrRecordNotFound indicates that no row exists for the requested id.
	ErrRecordNotFound = errors.New("roadmap: record not found")
)

// ParseStatus normalizes a raw status tag. Empty input yields StatusPlanned.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return StatusPlanned, nil
	}
	if len(trimmed) > maxStatusLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStatus, maxStatusLength)
	}
	return Status(trimmed), nil
}

// String returns the raw status tag.
func (s Status) String() string {
	return string(s)
}

// Record is the replicated roadmap row. EditTime is the replication cursor.
type Record struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	OwnerID          int64  `gorm:"column:user_id;not null;index:idx_roadmap_owner_edit,priority:1"`
	Name             string `gorm:"column:name;size:190;not null"`
	Description      string `gorm:"column:description;type:text;not null"`
	Status           Status `gorm:"column:status;size:32;not null"`
	Color            string `gorm:"column:color;size:32;not null"`
	OrderKey         int64  `gorm:"column:order_key;not null"`
	AddTime          int64  `gorm:"column:addtime;not null"`
	EditTime         int64  `gorm:"column:edittime;not null;index:idx_roadmap_edittime;index:idx_roadmap_owner_edit,priority:2"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
	IsCycleTask      bool   `gorm:"column:is_cycle_task;not null"`
	NextReminderTime *int64 `gorm:"column:next_reminder_time"`
	CycleDuration    *int64 `gorm:"column:cycle_duration"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "roadmap"
}

// normalized fills documented defaults and validates storage bounds.
func (r Record) normalized() (Record, error) {
	if r.ID <= 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidRecordID, r.ID)
	}
	if r.EditTime < 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidEditTime, r.EditTime)
	}
	if len(r.Name) > maxNameLength {
		return Record{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	status, err := ParseStatus(r.Status.String())
	if err != nil {
		return Record{}, err
	}
	r.Status = status
	r.Color = strings.TrimSpace(r.Color)
	if r.Color == "" || len(r.Color) > maxColorLength {
		r.Color = DefaultColor
	}
	if r.OwnerID <= 0 {
		r.OwnerID = DefaultOwnerID
	}
	return r, nil
}

// IsDue reports whether the record is a live cycle task whose reminder time has elapsed.
func (r Record) IsDue(now int64) bool {
	if r.IsDeleted || !r.IsCycleTask || r.Status == StatusCompleted {
		return false
	}
	return r.NextReminderTime != nil && *r.NextReminderTime <= now
}
