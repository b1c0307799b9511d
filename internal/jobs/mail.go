package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

var (
	ErrMailDisabled   = errors.New("mail not configured")
	ErrInvalidMessage = errors.New("invalid mail message")
)

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// RatePerSec caps outgoing messages; burst equals the rate.
	RatePerSec int
}

// Message is one outgoing e-mail. HTML, when set, is sent as the
// alternative part next to Body.
type Message struct {
	Subject string
	Body    string
	HTML    string
	From    string
	To      []string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

type deliverFunc func(ctx context.Context, cfg MailConfig, msg *mail.Msg) error

// SMTPMailer delivers messages over SMTP with a token-bucket throttle.
// Bodies are quoted-printable, so long template lines stay within the
// SMTP line limit.
type SMTPMailer struct {
	mu      sync.Mutex
	cfg     MailConfig
	limiter *rate.Limiter
	deliver deliverFunc
	log     logx.Logger
}

func NewSMTPMailer(cfg MailConfig, log logx.Logger) *SMTPMailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &SMTPMailer{deliver: dialAndSend, log: log}
	m.applyLocked(cfg)
	return m
}

func (m *SMTPMailer) Apply(cfg MailConfig) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *SMTPMailer) applyLocked(cfg MailConfig) {
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	cfg := m.cfg
	limiter := m.limiter
	deliver := m.deliver
	m.mu.Unlock()

	if strings.TrimSpace(cfg.Host) == "" {
		return ErrMailDisabled
	}
	if msg.From == "" {
		msg.From = cfg.From
	}
	if msg.From == "" {
		return fmt.Errorf("%w: sender address required", ErrInvalidMessage)
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}

	out, err := buildMessage(msg, time.Now())
	if err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if err := deliver(ctx, cfg, out); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.log.Debug("mail sent", logx.String("subject", msg.Subject), logx.Int("recipients", len(msg.To)))
	return nil
}

// buildMessage renders msg as text/plain, or multipart/alternative when
// HTML is set. Malformed addresses are ErrInvalidMessage.
func buildMessage(msg Message, now time.Time) (*mail.Msg, error) {
	out := mail.NewMsg(mail.WithCharset(mail.CharsetUTF8), mail.WithEncoding(mail.EncodingQP))
	if err := out.From(msg.From); err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidMessage, err)
	}
	if err := out.To(msg.To...); err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidMessage, err)
	}
	out.Subject(msg.Subject)
	out.SetDateWithValue(now)
	out.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.HTML != "" {
		out.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return out, nil
}

func dialAndSend(ctx context.Context, cfg MailConfig, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// SendMailTask is notify.mail.send_mail.
//
// Positional args: subject, body, from, recipients (a list or one address).
// Named args: html_message, fail_silently.
func (j *Jobs) SendMailTask(ctx context.Context, args registry.Args) error {
	msg := Message{
		Subject: args.String(0),
		Body:    args.String(1),
		From:    args.String(2),
		To:      args.Strings(3),
		HTML:    args.NamedString("html_message"),
	}
	err := j.mailer.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if args.NamedBool("fail_silently") {
		j.log.Warn("mail not sent", logx.String("subject", msg.Subject), logx.Err(err))
		return nil
	}
	if errors.Is(err, ErrMailDisabled) || errors.Is(err, ErrInvalidMessage) {
		return engine.NoRetry(err)
	}
	return err
}
