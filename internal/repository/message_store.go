package repository

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
)

type messageStore struct {
	db *gorm.DB
}

// NewMessageStore returns the gorm-backed reference implementation of the
// message store contract. Save is idempotent on the content-derived mail id,
// so neither sync path can insert the same message twice.
func NewMessageStore(db *gorm.DB) interfaces.MessageStore {
	return &messageStore{db: db}
}

func (s *messageStore) Save(ctx context.Context, mailbox *models.Mailbox, env *enmime.Envelope, remoteRef string, folder interfaces.LogicalFolder, unread bool) (*interfaces.LocalMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageStore.Save")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailbox.ID)

	mailID := deriveMailID(env)

	existing, err := s.FindByMailID(ctx, mailbox.ID, mailID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if existing != nil {
		if remoteRef != "" && remoteRef != existing.RemoteRef {
			if err := s.ChangeRemoteRef(ctx, existing.ID, remoteRef); err != nil {
				tracing.TraceErr(span, err)
				return nil, err
			}
			existing.RemoteRef = remoteRef
		}
		return existing, nil
	}

	message := &models.Message{
		MailboxID:   mailbox.ID,
		MailID:      mailID,
		RemoteRef:   remoteRef,
		FolderRole:  folder.Role,
		FolderName:  folder.Name,
		Subject:     env.GetHeader("Subject"),
		FromAddress: env.GetHeader("From"),
		ToAddresses: splitAddressList(env.GetHeader("To")),
		CcAddresses: splitAddressList(env.GetHeader("Cc")),
		Unread:      unread,
		BodyText:    env.Text,
		BodyHTML:    env.HTML,
		SizeBytes:   int64(len(env.Text) + len(env.HTML)),
	}
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		message.ReceivedAt = utils.TimePtr(date.UTC())
	}

	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to save message")
	}

	return localMessage(message), nil
}

func (s *messageStore) SetUnread(ctx context.Context, ids []string, unread bool) error {
	return s.setColumn(ctx, "messageStore.SetUnread", ids, "unread", unread)
}

func (s *messageStore) SetImportant(ctx context.Context, ids []string, important bool) error {
	return s.setColumn(ctx, "messageStore.SetImportant", ids, "important", important)
}

func (s *messageStore) SetRemoved(ctx context.Context, ids []string) error {
	return s.setColumn(ctx, "messageStore.SetRemoved", ids, "removed", true)
}

func (s *messageStore) setColumn(ctx context.Context, operationName string, ids []string, column string, value bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, operationName)
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			column:       value,
			"updated_at": utils.Now(),
		}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrapf(err, "failed to update %s", column)
	}
	return nil
}

func (s *messageStore) ChangeRemoteRef(ctx context.Context, id string, newRemoteRef string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageStore.ChangeRemoteRef")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remote_ref": newRemoteRef,
			"updated_at": utils.Now(),
		}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to change remote ref")
	}
	return nil
}

func (s *messageStore) FindByMailID(ctx context.Context, mailboxID, mailID string) (*interfaces.LocalMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageStore.FindByMailID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var message models.Message
	result := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND mail_id = ?", mailboxID, mailID).
		First(&message)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "failed to find message by mail id")
	}

	return localMessage(&message), nil
}

// GetDraft rebuilds a stored draft as a transmittable MIME message.
func (s *messageStore) GetDraft(ctx context.Context, mailboxID, draftID string) ([]byte, string, string, []string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageStore.GetDraft")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var message models.Message
	result := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND id = ?", mailboxID, draftID).
		First(&message)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, "", "", nil, errors.Wrap(result.Error, "failed to load draft")
	}

	raw := buildDraftMIME(&message)
	recipients := append([]string{}, message.ToAddresses...)
	recipients = append(recipients, message.CcAddresses...)
	return raw, message.MailID, message.FromAddress, recipients, nil
}

func localMessage(m *models.Message) *interfaces.LocalMessage {
	msg := &interfaces.LocalMessage{
		ID:        m.ID,
		MailboxID: m.MailboxID,
		MailID:    m.MailID,
		RemoteRef: m.RemoteRef,
		Unread:    m.Unread,
		Important: m.Important,
		Removed:   m.Removed,
	}
	if m.ReceivedAt != nil {
		msg.ReceivedAt = *m.ReceivedAt
	}
	return msg
}

func deriveMailID(env *enmime.Envelope) string {
	if id := strings.Trim(env.GetHeader("Message-Id"), "<> "); id != "" {
		return id
	}
	return strings.TrimSpace(env.GetHeader("Subject")) + "|" + strings.TrimSpace(env.GetHeader("Date"))
}

func splitAddressList(header string) []string {
	if header == "" {
		return nil
	}
	addresses, err := mail.ParseAddressList(header)
	if err != nil {
		return []string{header}
	}
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, addr.Address)
	}
	return out
}

func buildDraftMIME(m *models.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.FromAddress)
	if len(m.ToAddresses) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.ToAddresses, ", "))
	}
	if len(m.CcAddresses) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(m.CcAddresses, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Message-Id: <%s>\r\n", m.MailID)
	fmt.Fprintf(&b, "Date: %s\r\n", utils.Now().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.BodyText)
	b.WriteString("\r\n")
	return []byte(b.String())
}
