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

type userFolderRepository struct {
	db *gorm.DB
}

func NewUserFolderRepository(db *gorm.DB) interfaces.UserFolderRepository {
	return &userFolderRepository{db: db}
}

func (r *userFolderRepository) GetByMailbox(ctx context.Context, mailboxID string) ([]*models.UserFolder, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "userFolderRepository.GetByMailbox")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var folders []*models.UserFolder
	if err := r.db.WithContext(ctx).
		Where("mailbox_id = ?", mailboxID).
		Order("name asc").
		Find(&folders).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to get user folders")
	}

	return folders, nil
}

func (r *userFolderRepository) Create(ctx context.Context, folder *models.UserFolder) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "userFolderRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, folder.MailboxID)
	tracing.TagFolder(span, folder.Name)

	if err := r.db.WithContext(ctx).Create(folder).Error; err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to create user folder")
	}

	return nil
}

func (r *userFolderRepository) Rename(ctx context.Context, folderID, newName string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "userFolderRepository.Rename")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.UserFolder{}).
		Where("id = ?", folderID).
		Updates(map[string]interface{}{
			"name":       newName,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to rename user folder")
	}

	return nil
}

func (r *userFolderRepository) Delete(ctx context.Context, folderID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "userFolderRepository.Delete")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Where("id = ?", folderID).
		Delete(&models.UserFolder{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to delete user folder")
	}

	return nil
}
