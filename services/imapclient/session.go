package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
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

const (
	operationTimeout = 30 * time.Second
	logoutTimeout    = 5 * time.Second
)

// Session is one IMAP connection to one mailbox. It satisfies both the
// inbound and the reconcile session contracts.
type Session struct {
	mailbox *models.Mailbox
	machine *protocol.Machine
	log     logger.Logger

	client   *client.Client
	caps     map[string]bool
	selected string
}

func NewSession(mailbox *models.Mailbox, timeouts protocol.Timeouts, log logger.Logger) *Session {
	return &Session{
		mailbox: mailbox,
		machine: protocol.NewMachine(mailbox.ID, timeouts, log),
		log:     log,
		caps:    map[string]bool{},
	}
}

func (s *Session) Protocol() enum.Protocol {
	return enum.ProtocolIMAP
}

func (s *Session) AddAuthListener(listener interfaces.AuthListener) {
	s.machine.AddAuthListener(listener)
}

func (s *Session) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "imapclient.Session.Connect")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("server", s.mailbox.InServer)
	span.SetTag("port", s.mailbox.InPort)

	err := s.machine.Connect(ctx, func(ctx context.Context) error {
		serverAddr := fmt.Sprintf("%s:%d", s.mailbox.InServer, s.mailbox.InPort)
		dialer := &net.Dialer{
			Timeout:   operationTimeout,
			KeepAlive: 30 * time.Second,
		}
		tlsConfig := &tls.Config{ServerName: s.mailbox.InServer}

		var c *client.Client
		var err error
		switch s.mailbox.InSecurity {
		case enum.EmailSecuritySSL, enum.EmailSecurityTLS:
			c, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
		case enum.EmailSecurityStartTLS:
			c, err = client.DialWithDialer(dialer, serverAddr)
			if err == nil {
				err = c.StartTLS(tlsConfig)
			}
		default:
			c, err = client.DialWithDialer(dialer, serverAddr)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to connect to %s", serverAddr)
		}
		s.client = c
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (s *Session) Authenticate(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "imapclient.Session.Authenticate")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("username", s.mailbox.InUsername)
	span.SetTag("auth.method", s.mailbox.AuthMethod.String())

	err := s.machine.Authenticate(ctx, func(ctx context.Context) error {
		s.client.Timeout = operationTimeout
		defer func() { s.client.Timeout = 0 }()

		var err error
		if s.mailbox.AuthMethod == enum.AuthOAuth2 {
			err = s.client.Authenticate(newXoauth2Client(s.mailbox.InUsername, s.mailbox.OAuth2Token))
		} else {
			err = s.client.Login(s.mailbox.InUsername, s.mailbox.InPassword)
		}
		if err != nil {
			return errors.Wrap(mirrorerrors.ErrAuthenticationFail, err.Error())
		}
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		s.closeQuietly()
		return err
	}

	// Capability failures degrade, they never fail the session.
	return s.machine.Negotiate(ctx, func(ctx context.Context) error {
		caps, err := s.client.Capability()
		if err != nil {
			return errors.Wrap(err, "failed to get capabilities")
		}
		s.caps = caps
		span.SetTag("server.capabilities", fmt.Sprintf("%v", caps))
		return nil
	})
}

func (s *Session) ListFolders(ctx context.Context) ([]interfaces.RemoteFolder, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.ListFolders")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []interfaces.RemoteFolder
	for m := range mailboxes {
		folders = append(folders, interfaces.RemoteFolder{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}
	if err := <-done; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to list folders")
	}

	span.SetTag("folders.count", len(folders))
	return folders, nil
}

func (s *Session) SelectFolder(ctx context.Context, name string) (*interfaces.FolderStatus, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.SelectFolder")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, name)

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	status, err := s.client.Select(name, false)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrapf(err, "failed to select folder %s", name)
	}
	s.selected = name

	span.SetTag("uid.validity", status.UidValidity)
	span.SetTag("messages", status.Messages)
	return &interfaces.FolderStatus{
		Name:        name,
		UidValidity: status.UidValidity,
		UidNext:     status.UidNext,
		Messages:    status.Messages,
	}, nil
}

func (s *Session) ListUIDs(ctx context.Context) ([]uint32, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.ListUIDs")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, s.selected)

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	criteria := imap.NewSearchCriteria()
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to search messages")
	}

	span.SetTag("uids.count", len(uids))
	return uids, nil
}

func (s *Session) FetchMeta(ctx context.Context, uids []uint32) ([]interfaces.MessageMeta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.FetchMeta")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, s.selected)
	span.SetTag("uids.count", len(uids))

	if err := s.machine.RequireReady(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size, imap.FetchFlags, imap.FetchInternalDate}
	messages := make(chan *imap.Message, 50)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var metas []interfaces.MessageMeta
	for msg := range messages {
		metas = append(metas, interfaces.MessageMeta{
			UID:   msg.Uid,
			Size:  msg.Size,
			Flags: msg.Flags,
			Date:  msg.InternalDate,
		})
	}
	if err := <-done; err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to fetch message metadata")
	}

	return metas, nil
}

func (s *Session) FetchFull(ctx context.Context, uid uint32) (*enmime.Envelope, *interfaces.MessageMeta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.FetchFull")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, s.selected)
	span.SetTag("uid", uid)

	if err := s.machine.RequireReady(); err != nil {
		return nil, nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		tracing.TraceErr(span, err)
		return nil, nil, errors.Wrapf(err, "failed to fetch message %d", uid)
	}
	if msg == nil {
		return nil, nil, errors.Errorf("message %d not found", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, nil, errors.Errorf("no body returned for message %d", uid)
	}

	envelope, err := enmime.ReadEnvelope(body)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, nil, errors.Wrapf(err, "failed to parse message %d", uid)
	}

	meta := &interfaces.MessageMeta{
		UID:   msg.Uid,
		Size:  msg.Size,
		Flags: msg.Flags,
		Date:  msg.InternalDate,
	}
	return envelope, meta, nil
}

func (s *Session) FetchHeaderDate(ctx context.Context, uid uint32) (time.Time, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.FetchHeaderDate")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("uid", uid)

	if err := s.machine.RequireReady(); err != nil {
		return time.Time{}, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		tracing.TraceErr(span, err)
		return time.Time{}, errors.Wrapf(err, "failed to fetch headers for %d", uid)
	}
	if msg == nil {
		return time.Time{}, errors.Errorf("message %d not found", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return time.Time{}, errors.Errorf("no headers returned for message %d", uid)
	}

	parsed, err := mail.ReadMessage(body)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse headers")
	}
	date, err := parsed.Header.Date()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse Date header")
	}
	return date, nil
}

func (s *Session) AddFlags(ctx context.Context, uids []uint32, flags []string) error {
	return s.storeFlags(ctx, uids, flags, imap.AddFlags)
}

func (s *Session) RemoveFlags(ctx context.Context, uids []uint32, flags []string) error {
	return s.storeFlags(ctx, uids, flags, imap.RemoveFlags)
}

func (s *Session) storeFlags(ctx context.Context, uids []uint32, flags []string, op imap.FlagsOp) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.storeFlags")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	span.SetTag("op", string(op))
	span.SetTag("uids.count", len(uids))

	if err := s.machine.RequireReady(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	flagItems := make([]interface{}, len(flags))
	for i, f := range flags {
		flagItems[i] = f
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	item := imap.FormatFlagsOp(op, true)
	if err := s.client.UidStore(seqSet, item, flagItems, nil); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to store flags")
	}
	return nil
}

// Move relocates messages, preferring the MOVE extension and falling back to
// copy + delete + expunge.
func (s *Session) Move(ctx context.Context, uids []uint32, folder string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "imapclient.Session.Move")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, folder)
	span.SetTag("uids.count", len(uids))

	if err := s.machine.RequireReady(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	if s.caps["MOVE"] {
		if err := s.client.UidMove(seqSet, folder); err != nil {
			tracing.TraceErr(span, err)
			return errors.Wrap(err, "failed to move messages")
		}
		return nil
	}

	if err := s.client.UidCopy(seqSet, folder); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to copy messages")
	}
	if err := s.storeFlags(ctx, uids, []string{imap.DeletedFlag}, imap.AddFlags); err != nil {
		return err
	}
	return s.Expunge(ctx)
}

func (s *Session) Expunge(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.Expunge")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)

	if err := s.machine.RequireReady(); err != nil {
		return err
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	if err := s.client.Expunge(nil); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to expunge")
	}
	return nil
}

func (s *Session) Append(ctx context.Context, folder string, flags []string, raw []byte) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.Append")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, folder)
	span.SetTag("size", len(raw))

	if err := s.machine.RequireReady(); err != nil {
		return err
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	literal := strings.NewReader(string(raw))
	if err := s.client.Append(folder, flags, time.Now(), literal); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrapf(err, "failed to append to %s", folder)
	}
	return nil
}

func (s *Session) CreateFolder(ctx context.Context, name string) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "imapclient.Session.CreateFolder")
	defer span.Finish()
	tracing.TagMailbox(span, s.mailbox.ID)
	tracing.TagFolder(span, name)

	if err := s.machine.RequireReady(); err != nil {
		return err
	}

	s.client.Timeout = operationTimeout
	defer func() { s.client.Timeout = 0 }()

	if err := s.client.Create(name); err != nil {
		// Folder may already exist, which is fine for idempotent actions.
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		tracing.TraceErr(span, err)
		return errors.Wrapf(err, "failed to create folder %s", name)
	}
	return nil
}

func (s *Session) Close() error {
	s.machine.Disconnect()
	if s.client == nil {
		return nil
	}

	s.client.Timeout = logoutTimeout
	done := make(chan error, 1)
	go func() {
		done <- s.client.Logout()
	}()

	select {
	case err := <-done:
		s.client = nil
		return err
	case <-time.After(logoutTimeout):
		s.log.Warnf("logout timed out for mailbox %s", s.mailbox.ID)
		s.client = nil
		return nil
	}
}

func (s *Session) closeQuietly() {
	if err := s.Close(); err != nil {
		s.log.Debugf("error closing session for mailbox %s: %v", s.mailbox.ID, err)
	}
}
