package watcher

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// DispatchRow archives one dispatch attempt and its eventual outcome.
// The journal is observability only; the in-memory tracker remains the
// authority on dispatch decisions.
type DispatchRow struct {
	ID            uint      `gorm:"primaryKey"`
	CorrelationID string    `gorm:"index;size:255"`
	Path          string    `gorm:"index;size:1024"`
	Filename      string    `gorm:"index;size:255"`
	Destination   string    `gorm:"index;size:255"`
	DispatchedAt  time.Time `gorm:"index"`
	Status        string    `gorm:"index;size:16"` // sent, acknowledged, error
	Detail        string    `gorm:"type:text"`
	WorkerID      string    `gorm:"size:255"`
	CompletedAt   *time.Time
}

type Journal struct {
	db *gorm.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DispatchRow{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// All methods are nil-safe so callers can run without a journal.

func (j *Journal) RecordDispatch(rec DispatchRecord) error {
	if j == nil {
		return nil
	}
	row := DispatchRow{
		CorrelationID: rec.CorrelationID,
		Path:          rec.Path,
		Filename:      rec.Filename,
		Destination:   rec.Destination,
		DispatchedAt:  rec.DispatchedAt,
		Status:        string(rec.Status),
	}
	return j.db.Create(&row).Error
}

func (j *Journal) RecordDispatchError(job FileJob, dispatchErr error) error {
	if j == nil {
		return nil
	}
	row := DispatchRow{
		CorrelationID: correlationID(job.Filename, time.Now()) + "_err",
		Path:          job.Path,
		Filename:      job.Filename,
		Destination:   job.Destination.Table,
		DispatchedAt:  time.Now().UTC(),
		Status:        string(DispatchError),
		Detail:        dispatchErr.Error(),
	}
	return j.db.Create(&row).Error
}

func (j *Journal) RecordCompletion(correlationID string, success bool, detail string, workerID string) error {
	if j == nil {
		return nil
	}
	status := string(DispatchAcknowledged)
	if !success {
		status = string(DispatchError)
	}
	now := time.Now().UTC()
	return j.db.Model(&DispatchRow{}).
		Where("correlation_id = ?", correlationID).
		Updates(map[string]any{
			"status":       status,
			"detail":       detail,
			"worker_id":    workerID,
			"completed_at": &now,
		}).Error
}

// Counts reports how many journaled dispatches sit in each status.
func (j *Journal) Counts() (sent int64, acknowledged int64, failed int64, err error) {
	if j == nil {
		return 0, 0, 0, nil
	}
	if err = j.db.Model(&DispatchRow{}).Where("status = ?", string(DispatchSent)).Count(&sent).Error; err != nil {
		return
	}
	if err = j.db.Model(&DispatchRow{}).Where("status = ?", string(DispatchAcknowledged)).Count(&acknowledged).Error; err != nil {
		return
	}
	err = j.db.Model(&DispatchRow{}).Where("status = ?", string(DispatchError)).Count(&failed).Error
	return
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
