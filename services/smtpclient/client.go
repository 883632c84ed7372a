package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
)

// Client sends raw, already-composed messages through a mailbox's SMTP
// endpoint. The realtime reconciler uses it to resend drafts.
type Client struct {
	mailbox *models.Mailbox
}

func NewClient(mailbox *models.Mailbox) *Client {
	return &Client{mailbox: mailbox}
}

// SendRaw delivers a fully formed RFC 5322 message.
func (c *Client) SendRaw(ctx context.Context, from string, recipients []string, raw []byte) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "smtpclient.Client.SendRaw")
	defer span.Finish()
	tracing.TagMailbox(span, c.mailbox.ID)
	span.SetTag("recipients.count", len(recipients))

	if len(recipients) == 0 {
		err := errors.New("at least one recipient is required")
		tracing.TraceErr(span, err)
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.mailbox.SmtpServer, c.mailbox.SmtpPort)
	auth := smtp.PlainAuth("", c.mailbox.SmtpUsername, c.mailbox.SmtpPassword, c.mailbox.SmtpServer)

	var err error
	switch c.mailbox.SmtpSecurity {
	case enum.EmailSecuritySSL, enum.EmailSecurityTLS:
		err = c.sendWithExplicitTLS(addr, auth, from, recipients, raw)
	case enum.EmailSecurityStartTLS:
		err = c.sendWithStartTLS(addr, auth, from, recipients, raw)
	default:
		err = smtp.SendMail(addr, auth, from, recipients, raw)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to send email")
		tracing.TraceErr(span, err)
		return err
	}

	return nil
}

func (c *Client) sendWithStartTLS(addr string, auth smtp.Auth, from string, recipients []string, raw []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return errors.Wrap(err, "failed to connect to SMTP server")
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: c.mailbox.SmtpServer}
	if err = client.StartTLS(tlsConfig); err != nil {
		return errors.Wrap(err, "failed to start TLS")
	}

	return c.transmit(client, auth, from, recipients, raw)
}

func (c *Client) sendWithExplicitTLS(addr string, auth smtp.Auth, from string, recipients []string, raw []byte) error {
	tlsConfig := &tls.Config{ServerName: c.mailbox.SmtpServer}
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return errors.Wrap(err, "failed to connect to SMTP server")
	}

	client, err := smtp.NewClient(conn, c.mailbox.SmtpServer)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to create SMTP client")
	}
	defer client.Close()

	return c.transmit(client, auth, from, recipients, raw)
}

func (c *Client) transmit(client *smtp.Client, auth smtp.Auth, from string, recipients []string, raw []byte) error {
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(auth); err != nil {
			return errors.Wrap(err, "SMTP authentication failed")
		}
	}

	if err := client.Mail(from); err != nil {
		return errors.Wrap(err, "MAIL FROM failed")
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "RCPT TO failed for %s", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "DATA failed")
	}
	if _, err = w.Write(raw); err != nil {
		return errors.Wrap(err, "failed to write message body")
	}
	if err = w.Close(); err != nil {
		return errors.Wrap(err, "failed to finish message body")
	}

	return client.Quit()
}
