package offset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(ctx context.Context, entry *Entry) error {
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create offset entry: %w", err)
	}
	return nil
}

func (d *Database) Get(ctx context.Context, entryID string) (*Entry, error) {
	var entry Entry
	if err := d.db.WithContext(ctx).Where("entry_id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound.WithMessage(fmt.Sprintf("offset entry %s not found", entryID))
		}
		return nil, fmt.Errorf("failed to fetch offset entry: %w", err)
	}
	return &entry, nil
}

func (d *Database) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := d.db.WithContext(ctx).Model(&Entry{})
	if filter.Party != "" {
		query = query.Where("debit_party = ? OR credit_party = ?", filter.Party, filter.Party)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var entries []Entry
	if err := query.Order("created_at DESC").Order("entry_id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list offset entries: %w", err)
	}
	return entries, nil
}

// MarkPosted flips a draft entry to posted. The status predicate makes the
// update a compare-and-set, so concurrent posts cannot both succeed.
func (d *Database) MarkPosted(ctx context.Context, entryID, postedBy string, at time.Time) (*Entry, error) {
	var posted *Entry
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Entry{}).
			Where("entry_id = ? AND status = ?", entryID, StatusDraft).
			Updates(map[string]interface{}{
				"status":     StatusPosted,
				"posted_by":  postedBy,
				"posted_at":  at,
				"updated_at": at,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to post offset entry: %w", result.Error)
		}

		var entry Entry
		if err := tx.Where("entry_id = ?", entryID).First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound.WithMessage(fmt.Sprintf("offset entry %s not found", entryID))
			}
			return fmt.Errorf("failed to fetch offset entry: %w", err)
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyPosted.WithMessage(fmt.Sprintf("offset entry %s is already %s", entryID, entry.Status))
		}
		posted = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posted, nil
}
