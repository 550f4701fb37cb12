package notifier

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTPServer speaks just enough ESMTP for net/smtp: EHLO, AUTH PLAIN,
// MAIL, RCPT, DATA, NOOP, RSET and QUIT.
type fakeSMTPServer struct {
	ln       net.Listener
	authCode int

	mu   sync.Mutex
	data []string
	cmds []string
}

func startFakeSMTP(t *testing.T, authCode int) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln, authCode: authCode}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeSMTPServer) config() SMTPConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return SMTPConfig{
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Username:    "alerts@visionguard.test",
		Password:    "app-password",
		DialTimeout: 2 * time.Second,
	}
}

func (s *fakeSMTPServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeSMTPServer) handle(c net.Conn) {
	defer c.Close()
	tp := textproto.NewConn(c)
	reply := func(lines ...string) { _ = tp.PrintfLine("%s", strings.Join(lines, "\r\n")) }

	reply("220 fake ESMTP ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.Fields(line + " x")[0])
		s.mu.Lock()
		s.cmds = append(s.cmds, verb)
		s.mu.Unlock()

		switch verb {
		case "EHLO", "HELO":
			reply("250-fake greets you", "250-AUTH PLAIN", "250 8BITMIME")
		case "AUTH":
			if s.authCode == 235 {
				reply("235 2.7.0 Authentication successful")
			} else {
				reply("535 5.7.8 Username and Password not accepted")
			}
		case "MAIL", "RCPT", "NOOP", "RSET":
			reply("250 2.0.0 OK")
		case "DATA":
			reply("354 go ahead")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = append(s.data, string(body))
			s.mu.Unlock()
			reply("250 2.0.0 queued")
		case "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("502 5.5.2 unrecognized")
		}
	}
}

func (s *fakeSMTPServer) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data...)
}

func (s *fakeSMTPServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func TestSMTPDialerSendsMultipartMessage(t *testing.T) {
	srv := startFakeSMTP(t, 235)
	d := NewSMTPDialer(srv.config())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)

	r, err := Render(TemplateNoObjectsDetected, P("detectionType", "static"))
	require.NoError(t, err)
	msg := Message{From: "alerts@visionguard.test", To: "alice@example.com", Subject: r.Subject, Text: r.Text, HTML: r.HTML}
	require.NoError(t, conn.Send(ctx, msg))
	require.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.Close())

	msgs := srv.messages()
	require.Len(t, msgs, 1)
	body := msgs[0]
	assert.Contains(t, body, "To: alice@example.com")
	assert.Contains(t, body, "Subject: VisionGuard: no objects detected (static)")
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "text/plain; charset=utf-8")
	assert.Contains(t, body, "text/html; charset=utf-8")
	assert.Contains(t, body, "@visionguard.test>")

	assert.Contains(t, srv.commands(), "NOOP")
	assert.Contains(t, srv.commands(), "QUIT")
}

func TestSMTPDialerRejectedCredentials(t *testing.T) {
	srv := startFakeSMTP(t, 535)
	d := NewSMTPDialer(srv.config())

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, AttemptTerminal, Classify(err))
}

func TestSMTPDialerUnreachableIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	d := NewSMTPDialer(SMTPConfig{Host: "127.0.0.1", Port: port, Username: "u", Password: "p", DialTimeout: time.Second})
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, AttemptRetryable, Classify(err))
}

func TestSMTPConfigValidate(t *testing.T) {
	err := SMTPConfig{}.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "EMAIL_USER")
	assert.Contains(t, err.Error(), "EMAIL_PASSWORD")

	err = SMTPConfig{Username: "u"}.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.NotContains(t, err.Error(), "EMAIL_USER")

	assert.NoError(t, SMTPConfig{Username: "u", Password: "p"}.Validate())
	assert.Equal(t, "smtp.gmail.com:587", SMTPConfig{}.Addr())
}

func TestClassifySMTPReplies(t *testing.T) {
	assert.Equal(t, AttemptTerminal, Classify(classifySMTP("mail from", &textproto.Error{Code: 535, Msg: "auth"})))
	assert.Equal(t, AttemptTerminal, Classify(classifySMTP("mail from", &textproto.Error{Code: 530, Msg: "auth required"})))
	// Non-auth permanent replies are still retried.
	assert.Equal(t, AttemptRetryable, Classify(classifySMTP("rcpt to", &textproto.Error{Code: 550, Msg: "mailbox unavailable"})))
	assert.Equal(t, AttemptRetryable, Classify(classifySMTP("data", &textproto.Error{Code: 421, Msg: "closing"})))

	assert.Equal(t, AttemptRetryable, Classify(classifyAuth(&textproto.Error{Code: 454, Msg: "temporary"})))
	assert.Equal(t, AttemptTerminal, Classify(classifyAuth(&textproto.Error{Code: 535, Msg: "bad"})))
}

func TestBuildMIMERejectsHeaderInjection(t *testing.T) {
	_, err := buildMIME(Message{From: "a@example.com", To: "b@example.com\r\nBcc: c@example.com"}, time.Now())
	assert.Error(t, err)

	raw, err := buildMIME(Message{From: "a@example.com", To: "b@example.com", Subject: "Grüße", Text: "line1\nline2"}, time.Now())
	require.NoError(t, err)
	hdr, err := textproto.NewReader(bufio.NewReader(strings.NewReader(string(raw)))).ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "1.0", hdr.Get("MIME-Version"))
	assert.True(t, strings.HasPrefix(hdr.Get("Subject"), "=?utf-8?q?"))
	assert.Contains(t, string(raw), "line1\r\nline2")
}
