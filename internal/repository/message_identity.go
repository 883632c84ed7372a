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

type messageIdentityRepository struct {
	db *gorm.DB
}

func NewMessageIdentityRepository(db *gorm.DB) interfaces.MessageIdentityRepository {
	return &messageIdentityRepository{db: db}
}

func (r *messageIdentityRepository) GetByMailID(ctx context.Context, mailboxID, mailID string) (*models.MessageIdentity, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.GetByMailID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var identity models.MessageIdentity
	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND mail_id = ?", mailboxID, mailID).
		First(&identity)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "failed to get message identity by mail id")
	}

	return &identity, nil
}

func (r *messageIdentityRepository) GetByLocalMessageID(ctx context.Context, mailboxID, localMessageID string) (*models.MessageIdentity, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.GetByLocalMessageID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var identity models.MessageIdentity
	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND local_message_id = ?", mailboxID, localMessageID).
		First(&identity)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "failed to get message identity by local message id")
	}

	return &identity, nil
}

// ListByFolder returns identities whose remote ref belongs to the given
// folder, keyed by remote ref for delta diffing.
func (r *messageIdentityRepository) ListByFolder(ctx context.Context, mailboxID, folderName string) (map[string]*models.MessageIdentity, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.ListByFolder")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)
	tracing.TagFolder(span, folderName)

	var identities []*models.MessageIdentity
	if err := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND remote_ref LIKE ?", mailboxID, folderName+":%").
		Find(&identities).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to list message identities")
	}

	byRef := make(map[string]*models.MessageIdentity, len(identities))
	for _, identity := range identities {
		byRef[identity.RemoteRef] = identity
	}
	return byRef, nil
}

func (r *messageIdentityRepository) Save(ctx context.Context, identity *models.MessageIdentity) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.Save")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, identity.MailboxID)

	result := r.db.WithContext(ctx).
		Model(&models.MessageIdentity{}).
		Where("mailbox_id = ? AND remote_ref = ?", identity.MailboxID, identity.RemoteRef).
		Updates(map[string]interface{}{
			"local_message_id": identity.LocalMessageID,
			"mail_id":          identity.MailID,
			"updated_at":       utils.Now(),
		})
	if result.Error == nil && result.RowsAffected == 0 {
		result = r.db.WithContext(ctx).Create(identity)
	}
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to save message identity")
	}

	return nil
}

func (r *messageIdentityRepository) UpdateRemoteRef(ctx context.Context, mailboxID, oldRef, newRef string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.UpdateRemoteRef")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).
		Model(&models.MessageIdentity{}).
		Where("mailbox_id = ? AND remote_ref = ?", mailboxID, oldRef).
		Updates(map[string]interface{}{
			"remote_ref": newRef,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to update remote ref")
	}

	return nil
}

func (r *messageIdentityRepository) Delete(ctx context.Context, mailboxID, remoteRef string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageIdentityRepository.Delete")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND remote_ref = ?", mailboxID, remoteRef).
		Delete(&models.MessageIdentity{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to delete message identity")
	}

	return nil
}
