package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = 587
)

// SMTPConfig describes the submission endpoint and credentials.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName   string
	DialTimeout time.Duration
	// InsecureSkipVerify disables certificate checks (test relays only).
	InsecureSkipVerify bool
}

func (c SMTPConfig) withDefaults() SMTPConfig {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultSMTPHost
	}
	if c.Port <= 0 {
		c.Port = DefaultSMTPPort
	}
	if strings.TrimSpace(c.LocalName) == "" {
		c.LocalName = "localhost"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	return c
}

// Validate fails with ErrConfiguration when credentials are missing.
func (c SMTPConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "EMAIL_USER")
	}
	if c.Password == "" {
		missing = append(missing, "EMAIL_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

func (c SMTPConfig) Addr() string {
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SMTPDialer opens authenticated SMTP submission sessions.
//
// Port 465 uses implicit TLS; any other port upgrades with STARTTLS when the
// server offers it.
type SMTPDialer struct {
	mu  sync.RWMutex
	cfg SMTPConfig
}

func NewSMTPDialer(cfg SMTPConfig) *SMTPDialer {
	return &SMTPDialer{cfg: cfg.withDefaults()}
}

// Reconfigure swaps endpoint and credentials. Sessions already pooled keep
// their old settings until they are evicted.
func (d *SMTPDialer) Reconfigure(cfg SMTPConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *SMTPDialer) Config() SMTPConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *SMTPDialer) Validate() error { return d.Config().Validate() }

func (d *SMTPDialer) Dial(ctx context.Context) (Conn, error) {
	cfg := d.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // opt-in for test relays

	nd := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := nd.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", cfg.Addr(), err)
	}
	if cfg.Port == 465 {
		raw = tls.Client(raw, tlsCfg)
	}
	_ = raw.SetDeadline(deadlineFor(ctx, cfg.DialTimeout))

	c, err := smtp.NewClient(raw, cfg.Host)
	if err != nil {
		_ = raw.Close()
		return nil, classifySMTP("greeting", err)
	}
	if err := c.Hello(cfg.LocalName); err != nil {
		_ = c.Close()
		return nil, classifySMTP("ehlo", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok && cfg.Port != 465 {
		if err := c.StartTLS(tlsCfg); err != nil {
			_ = c.Close()
			return nil, classifySMTP("starttls", err)
		}
	}
	if ok, _ := c.Extension("AUTH"); !ok {
		_ = c.Close()
		return nil, Permanent(fmt.Errorf("%w: server does not offer AUTH", ErrConfiguration))
	}
	if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
		_ = c.Close()
		return nil, classifyAuth(err)
	}
	_ = raw.SetDeadline(time.Time{})
	return &smtpConn{c: c, raw: raw}, nil
}

type smtpConn struct {
	c   *smtp.Client
	raw net.Conn
}

func (s *smtpConn) Send(ctx context.Context, msg Message) error {
	_ = s.raw.SetDeadline(deadlineFor(ctx, 30*time.Second))
	defer func() { _ = s.raw.SetDeadline(time.Time{}) }()

	body, err := buildMIME(msg, time.Now())
	if err != nil {
		return Permanent(err)
	}
	if err := s.c.Mail(msg.From); err != nil {
		return classifySMTP("mail from", err)
	}
	if err := s.c.Rcpt(msg.To); err != nil {
		return classifySMTP("rcpt to", err)
	}
	w, err := s.c.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return classifySMTP("data write", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("data end", err)
	}
	return nil
}

func (s *smtpConn) Ping(ctx context.Context) error {
	_ = s.raw.SetDeadline(deadlineFor(ctx, 5*time.Second))
	defer func() { _ = s.raw.SetDeadline(time.Time{}) }()
	return s.c.Noop()
}

func (s *smtpConn) Close() error {
	_ = s.raw.SetDeadline(time.Now().Add(2 * time.Second))
	if err := s.c.Quit(); err != nil {
		return s.c.Close()
	}
	return nil
}

func deadlineFor(ctx context.Context, def time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(def)
}

// classifyAuth maps AUTH failures: 4xx replies stay retryable, everything else
// (5xx, client-side refusals such as unencrypted PLAIN) is a credential problem.
func classifyAuth(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 400 && tpErr.Code < 500 {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return Permanent(fmt.Errorf("%w: %v", ErrAuthentication, err))
}

// classifySMTP wraps a protocol error. Auth-related reply codes (530, 534, 535)
// become ErrAuthentication; any other failure is left retryable.
func classifySMTP(stage string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535:
			return Permanent(fmt.Errorf("%w: %s: %v", ErrAuthentication, stage, err))
		}
	}
	return fmt.Errorf("smtp %s: %w", stage, err)
}

// buildMIME renders a multipart/alternative message with text and HTML parts.
func buildMIME(msg Message, now time.Time) ([]byte, error) {
	if strings.ContainsAny(msg.To+msg.From, "\r\n") {
		return nil, errors.New("address contains line break")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	domain := "visionguard.local"
	if at := strings.LastIndex(msg.From, "@"); at >= 0 && at < len(msg.From)-1 {
		domain = msg.From[at+1:]
	}
	hdr := []struct{ k, v string }{
		{"From", msg.From},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", "<" + uuid.NewString() + "@" + domain + ">"},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	var head bytes.Buffer
	for _, h := range hdr {
		head.WriteString(h.k + ": " + h.v + "\r\n")
	}
	head.WriteString("\r\n")

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(strings.ReplaceAll(p.body, "\n", "\r\n"))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}
