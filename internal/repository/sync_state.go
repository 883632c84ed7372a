package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
)

type syncStateRepository struct {
	db *gorm.DB
}

func NewSyncStateRepository(db *gorm.DB) interfaces.SyncStateRepository {
	return &syncStateRepository{db: db}
}

// GetSyncState retrieves the sync state for a specific mailbox and folder
func (r *syncStateRepository) GetSyncState(ctx context.Context, mailboxID, folderName string) (*models.FolderSyncState, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.GetSyncState")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)
	tracing.TagFolder(span, folderName)

	var state models.FolderSyncState
	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND folder_name = ?", mailboxID, folderName).
		First(&state)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil // No sync state yet
		}
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "failed to get sync state")
	}

	return &state, nil
}

// SaveSyncState saves the sync state for a mailbox folder
func (r *syncStateRepository) SaveSyncState(ctx context.Context, state *models.FolderSyncState) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.SaveSyncState")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, state.MailboxID)
	tracing.TagFolder(span, state.FolderName)

	state.LastSync = utils.Now()

	// Try to update first
	result := r.db.WithContext(ctx).
		Model(&models.FolderSyncState{}).
		Where("mailbox_id = ? AND folder_name = ?", state.MailboxID, state.FolderName).
		Updates(map[string]interface{}{
			"uid_validity":   state.UidValidity,
			"handled_ranges": state.HandledRanges,
			"begin_index":    state.BeginIndex,
			"last_sync":      state.LastSync,
			"updated_at":     utils.Now(),
		})

	// If no record was updated, create a new one
	if result.Error == nil && result.RowsAffected == 0 {
		result = r.db.WithContext(ctx).Create(state)
	}

	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to save sync state")
	}

	return nil
}

// DeleteSyncState deletes the sync state for a mailbox folder
func (r *syncStateRepository) DeleteSyncState(ctx context.Context, mailboxID, folderName string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.DeleteSyncState")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)
	tracing.TagFolder(span, folderName)

	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND folder_name = ?", mailboxID, folderName).
		Delete(&models.FolderSyncState{})

	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to delete sync state")
	}

	return nil
}

// DeleteMailboxSyncStates deletes all sync states for a mailbox
func (r *syncStateRepository) DeleteMailboxSyncStates(ctx context.Context, mailboxID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.DeleteMailboxSyncStates")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).
		Where("mailbox_id = ?", mailboxID).
		Delete(&models.FolderSyncState{})

	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to delete mailbox sync states")
	}

	return nil
}

// GetAllSyncStates gets all sync states
func (r *syncStateRepository) GetAllSyncStates(ctx context.Context) ([]models.FolderSyncState, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.GetAllSyncStates")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var states []models.FolderSyncState
	if err := r.db.WithContext(ctx).Find(&states).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to get all sync states")
	}

	return states, nil
}
