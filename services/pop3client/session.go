package pop3client

import (
	"context"
	"net/mail"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/knadh/go-pop3"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/services/protocol"
)

// Session is one POP3 connection to one mailbox. POP3 exposes a single
// folder and no mutation primitives, so only the inbound contract is
// implemented. Identifiers are session message numbers; durable dedup runs
// through the content-derived mail id downstream.
type Session struct {
	mailbox *models.Mailbox
	machine *protocol.Machine
	log     logger.Logger

	conn  *pop3.Conn
	count int
}

func NewSession(mailbox *models.Mailbox, timeouts protocol.Timeouts, log logger.Logger) *Session {
	return &Session{
		mailbox: mailbox,
		machine: protocol.NewMachine(mailbox.ID, timeouts, log),
		log:     log,
	}
}

func (s *Session) Protocol() enum.Protocol {
	return enum.ProtocolPOP3
}

func (s *Session) AddAuthListener(listener interfaces.AuthListener) {
	s.machine.AddAuthListener(listener)
}

func (s *Session) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pop3client.Session.Connect")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("server", s.mailbox.InServer)
	span.SetTag("port", s.mailbox.InPort)

	err := s.machine.Connect(ctx, func(ctx context.Context) error {
		client := pop3.New(pop3.Opt{
			Host:        s.mailbox.InServer,
			Port:        s.mailbox.InPort,
			TLSEnabled:  s.mailbox.InSecurity == enum.EmailSecuritySSL || s.mailbox.InSecurity == enum.EmailSecurityTLS,
			DialTimeout: 30 * time.Second,
		})
		conn, err := client.NewConn()
		if err != nil {
			return errors.Wrapf(err, "failed to connect to %s:%d", s.mailbox.InServer, s.mailbox.InPort)
		}
		s.conn = conn
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (s *Session) Authenticate(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pop3client.Session.Authenticate")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("username", s.mailbox.InUsername)

	err := s.machine.Authenticate(ctx, func(ctx context.Context) error {
		if err := s.conn.Auth(s.mailbox.InUsername, s.mailbox.InPassword); err != nil {
			return errors.Wrap(mirrorerrors.ErrAuthenticationFail, err.Error())
		}
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		s.closeQuietly()
		return err
	}

	return s.machine.Negotiate(ctx, nil)
}

// ListFolders returns the single POP3 folder.
func (s *Session) ListFolders(ctx context.Context) ([]interfaces.RemoteFolder, error) {
	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}
	return []interfaces.RemoteFolder{{Name: "INBOX"}}, nil
}

func (s *Session) SelectFolder(ctx context.Context, name string) (*interfaces.FolderStatus, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "pop3client.Session.SelectFolder")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	count, _, err := s.conn.Stat()
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to stat mailbox")
	}
	s.count = count

	span.SetTag("messages", count)
	return &interfaces.FolderStatus{
		Name:     "INBOX",
		Messages: uint32(count),
	}, nil
}

func (s *Session) ListUIDs(ctx context.Context) ([]uint32, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "pop3client.Session.ListUIDs")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	ids, err := s.conn.List(0)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to list messages")
	}

	uids := make([]uint32, 0, len(ids))
	for _, id := range ids {
		uids = append(uids, uint32(id.ID))
	}
	span.SetTag("uids.count", len(uids))
	return uids, nil
}

func (s *Session) FetchMeta(ctx context.Context, uids []uint32) ([]interfaces.MessageMeta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "pop3client.Session.FetchMeta")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("uids.count", len(uids))

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	sizes := make(map[uint32]uint32)
	ids, err := s.conn.List(0)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to list message sizes")
	}
	for _, id := range ids {
		sizes[uint32(id.ID)] = uint32(id.Size)
	}

	metas := make([]interfaces.MessageMeta, 0, len(uids))
	for _, uid := range uids {
		metas = append(metas, interfaces.MessageMeta{
			UID:  uid,
			Size: sizes[uid],
		})
	}
	return metas, nil
}

func (s *Session) FetchFull(ctx context.Context, uid uint32) (*enmime.Envelope, *interfaces.MessageMeta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "pop3client.Session.FetchFull")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("uid", uid)

	if err := s.machine.RequireReady(); err != nil {
		return nil, nil, err
	}

	raw, err := s.conn.RetrRaw(int(uid))
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, nil, errors.Wrapf(err, "failed to retrieve message %d", uid)
	}

	envelope, err := enmime.ReadEnvelope(raw)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, nil, errors.Wrapf(err, "failed to parse message %d", uid)
	}

	meta := &interfaces.MessageMeta{UID: uid, Size: uint32(raw.Len())}
	if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
		meta.Date = date
	}
	return envelope, meta, nil
}

// FetchHeaderDate retrieves only the headers via TOP and parses the Date
// header. Drives the per-pass order inference.
func (s *Session) FetchHeaderDate(ctx context.Context, uid uint32) (time.Time, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "pop3client.Session.FetchHeaderDate")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("uid", uid)

	if err := s.machine.RequireReady(); err != nil {
		return time.Time{}, err
	}

	entity, err := s.conn.Top(int(uid), 0)
	if err != nil {
		tracing.TraceErr(span, err)
		return time.Time{}, errors.Wrapf(err, "failed to fetch headers for %d", uid)
	}

	date, err := mail.ParseDate(entity.Header.Get("Date"))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse Date header")
	}
	return date, nil
}

func (s *Session) Close() error {
	s.machine.Disconnect()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}

func (s *Session) closeQuietly() {
	if err := s.Close(); err != nil {
		s.log.Debugf("error closing session for mailbox %s: %v", s.mailbox.ID, err)
	}
}
