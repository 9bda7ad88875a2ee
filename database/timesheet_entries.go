package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/DavidNemeth/TimeSheet-App/models"
)

// ErrNotFound is returned when no row matches the requested id.
var ErrNotFound = errors.New("timesheet entry not found")

// EntryFilter selects timesheet entries. Zero values are ignored.
type EntryFilter struct {
	From time.Time
	To   time.Time
	// Archived selects archived rows instead of active ones.
	Archived bool
	// ModifiedAfter restricts to rows modified strictly after the given instant.
	ModifiedAfter time.Time
	UserID        string
}

// TimesheetStore persists timesheet entries.
type TimesheetStore struct {
	db *gorm.DB
}

func NewTimesheetStore(db *gorm.DB) *TimesheetStore {
	return &TimesheetStore{db: db}
}

func (s *TimesheetStore) Get(ctx context.Context, id uint) (*models.TimesheetEntry, error) {
	var entry models.TimesheetEntry
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return &entry, nil
}

func (s *TimesheetStore) List(ctx context.Context, f EntryFilter) ([]models.TimesheetEntry, error) {
	query := s.db.WithContext(ctx).Where("archived = ?", f.Archived)
	if !f.From.IsZero() {
		query = query.Where("date >= ?", f.From)
	}
	if !f.To.IsZero() {
		query = query.Where("date <= ?", f.To)
	}
	if !f.ModifiedAfter.IsZero() {
		query = query.Where("modified_date > ?", f.ModifiedAfter)
	}
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}

	entries := []models.TimesheetEntry{}
	if err := query.Order("date desc, id desc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// All returns every stored entry regardless of archive state.
func (s *TimesheetStore) All(ctx context.Context) ([]models.TimesheetEntry, error) {
	entries := []models.TimesheetEntry{}
	if err := s.db.WithContext(ctx).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list all entries: %w", err)
	}
	return entries, nil
}

func (s *TimesheetStore) Create(ctx context.Context, entry *models.TimesheetEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

// Update overwrites every column of the stored row except models.ImmutableColumns and
// returns the row as stored.
func (s *TimesheetStore) Update(ctx context.Context, entry *models.TimesheetEntry) (*models.TimesheetEntry, error) {
	result := s.db.WithContext(ctx).
		Model(&models.TimesheetEntry{}).
		Where("id = ?", entry.ID).
		Select("*").
		Omit(models.ImmutableColumns...).
		Updates(entry)
	if result.Error != nil {
		return nil, fmt.Errorf("update entry %d: %w", entry.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, entry.ID)
}

// SetArchived flips the archive flag and stamps the modification audit fields.
func (s *TimesheetStore) SetArchived(ctx context.Context, id uint, archived bool, by string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.TimesheetEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"archived":      archived,
			"modified_date": at,
			"modified_by":   by,
		})
	if result.Error != nil {
		return fmt.Errorf("set archived on entry %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row. Deleting a missing id is not an error.
func (s *TimesheetStore) Delete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.TimesheetEntry{}, id).Error; err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}
	return nil
}

// Ping checks the underlying connection.
func (s *TimesheetStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
