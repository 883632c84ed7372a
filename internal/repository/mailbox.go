package repository

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
)

type mailboxRepository struct {
	db *gorm.DB
}

func NewMailboxRepository(db *gorm.DB) interfaces.MailboxRepository {
	return &mailboxRepository{db: db}
}

func (r *mailboxRepository) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var mailbox models.Mailbox
	result := r.db.WithContext(ctx).Where("id = ?", mailboxID).First(&mailbox)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "failed to get mailbox")
	}

	return &mailbox, nil
}

func (r *mailboxRepository) GetActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.GetActiveMailboxes")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var mailboxes []*models.Mailbox
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&mailboxes).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to get active mailboxes")
	}

	return mailboxes, nil
}

func (r *mailboxRepository) Create(ctx context.Context, mailbox *models.Mailbox) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var count int64
	r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("email_address = ? AND tenant = ?", mailbox.EmailAddress, mailbox.Tenant).
		Count(&count)
	if count > 0 {
		err := mirrorerrors.ErrMailboxExists
		tracing.TraceErr(span, err)
		return err
	}

	if err := r.db.WithContext(ctx).Create(mailbox).Error; err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to create mailbox")
	}

	return nil
}

func (r *mailboxRepository) UpdateConnectionStatus(ctx context.Context, mailboxID string, status enum.ConnectionStatus, errorMessage string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.UpdateConnectionStatus")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)
	span.SetTag("status", status.String())

	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"connection_status":     status,
			"error_message":         errorMessage,
			"last_connection_check": utils.Now(),
			"updated_at":            utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to update connection status")
	}

	return nil
}

func (r *mailboxRepository) SetAuthError(ctx context.Context, mailboxID string, at *time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.SetAuthError")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"auth_error_at": at,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to set auth error")
	}

	return nil
}

func (r *mailboxRepository) SetLastSyncAt(ctx context.Context, mailboxID string, at time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.SetLastSyncAt")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"last_sync_at": at,
			"updated_at":   utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to set last sync time")
	}

	return nil
}

func (r *mailboxRepository) SetLastActivityAt(ctx context.Context, mailboxID string, at time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.SetLastActivityAt")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"last_activity_at": at,
			"updated_at":       utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to set last activity time")
	}

	return nil
}

// AcquireLease takes the exclusive mailbox lease with a conditional update:
// the lease is granted when unowned, expired, or already held by the caller.
func (r *mailboxRepository) AcquireLease(ctx context.Context, mailboxID, owner string, ttl time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.AcquireLease")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)
	span.SetTag("lease.owner", owner)

	expires := utils.Now().Add(ttl)
	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ? AND (lease_owner = '' OR lease_owner IS NULL OR lease_expires < ? OR lease_owner = ?)",
			mailboxID, utils.Now(), owner).
		Updates(map[string]interface{}{
			"lease_owner":   owner,
			"lease_expires": expires,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, errors.Wrap(result.Error, "failed to acquire lease")
	}

	acquired := result.RowsAffected > 0
	span.SetTag("lease.acquired", acquired)
	return acquired, nil
}

func (r *mailboxRepository) ReleaseLease(ctx context.Context, mailboxID, owner string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.ReleaseLease")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	result := r.db.WithContext(ctx).Model(&models.Mailbox{}).
		Where("id = ? AND lease_owner = ?", mailboxID, owner).
		Updates(map[string]interface{}{
			"lease_owner":   "",
			"lease_expires": nil,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return errors.Wrap(result.Error, "failed to release lease")
	}

	return nil
}
