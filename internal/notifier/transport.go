package notifier

import "context"

// Message is a rendered alert addressed to one recipient.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Conn is one established, authenticated transport session.
// A Conn is never used by two sends at once.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	// Ping checks that the session is still usable (SMTP NOOP).
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens and authenticates new transport sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Validator is implemented by dialers that can detect missing configuration
// without touching the network.
type Validator interface {
	Validate() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
