package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Mailer delivers a single HTML mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Configured reports whether enough settings are present to dial out.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *zap.SugaredLogger
}

// defaultSendTimeout bounds a delivery whose context carries no deadline.
const defaultSendTimeout = 30 * time.Second

func NewSMTPMailer(cfg SMTPConfig, logger *zap.SugaredLogger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Send builds the message with gomail and delivers it. The whole SMTP
// conversation runs under a connection deadline taken from ctx.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	send := gomail.SendFunc(func(from string, rcpt []string, body io.WriterTo) error {
		return m.deliver(ctx, from, rcpt, body)
	})
	if err := gomail.Send(send, msg); err != nil {
		return ctxError(ctx, err)
	}
	m.logger.Infow("mail sent", "to", to, "subject", subject)
	return nil
}

// ctxError prefers the context's error: gomail.Send flattens the cause, and the
// connection deadline can fire just before ctx reports it.
func ctxError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}

func (m *SMTPMailer) deliver(ctx context.Context, from string, rcpt []string, body io.WriterTo) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer raw.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}
	if err := raw.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	tlsCfg := &tls.Config{ServerName: m.cfg.Host}
	conn := raw
	if m.cfg.Port == 465 {
		conn = tls.Client(raw, tlsCfg)
	}
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && m.cfg.Port != 465 {
		if err := c.StartTLS(tlsCfg); err != nil {
			return err
		}
	}
	if m.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, r := range rcpt {
		if err := c.Rcpt(r); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := body.WriteTo(w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// LogMailer only logs outgoing mail. Used when SMTP is not configured.
type LogMailer struct {
	logger *zap.SugaredLogger
}

func NewLogMailer(logger *zap.SugaredLogger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Infow("mail (not delivered, smtp disabled)", "to", to, "subject", subject, "bytes", len(htmlBody))
	return nil
}

// New picks the SMTP mailer when configured and the log mailer otherwise.
func New(cfg SMTPConfig, logger *zap.SugaredLogger) Mailer {
	if cfg.Configured() {
		return NewSMTPMailer(cfg, logger)
	}
	logger.Warn("smtp not configured, mail will only be logged")
	return NewLogMailer(logger)
}
