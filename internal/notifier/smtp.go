package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Transport delivers a composed message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPTransport sends mail with STARTTLS (default) or implicit TLS
// (UseSSL or port 465). Errors are *DeliveryError.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string // never logged
	UseSSL   bool
	Timeout  time.Duration

	// TLSConfig overrides the default (ServerName = Host).
	TLSConfig *tls.Config
}

func (t *SMTPTransport) implicitTLS() bool { return t.UseSSL || t.Port == 465 }

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig
	}
	return &tls.Config{ServerName: t.Host, MinVersion: tls.VersionTLS12}
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if t.implicitTLS() {
		td := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return classify(fmt.Errorf("dial %s: %w", addr, err))
	}
	_ = conn.SetDeadline(deadline)

	// Abort the session when ctx ends before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		_ = conn.Close()
		return classify(fmt.Errorf("greeting: %w", err))
	}
	defer c.Close()

	if !t.implicitTLS() {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tlsConfig()); err != nil {
				return classify(fmt.Errorf("starttls: %w", err))
			}
		}
	}
	if t.Username != "" || t.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			user := t.Username
			if user == "" {
				user = msg.From
			}
			if err := c.Auth(smtp.PlainAuth("", user, t.Password, t.Host)); err != nil {
				return classify(fmt.Errorf("auth: %w", err))
			}
		}
	}
	if err := c.Mail(msg.From); err != nil {
		return classify(fmt.Errorf("mail from: %w", err))
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return classify(fmt.Errorf("rcpt %s: %w", rcpt, err))
		}
	}
	w, err := c.Data()
	if err != nil {
		return classify(fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(msg.Body); err != nil {
		_ = w.Close()
		return classify(fmt.Errorf("write body: %w", err))
	}
	if err := w.Close(); err != nil {
		return classify(fmt.Errorf("end data: %w", err))
	}
	// The message was accepted; a failed QUIT is not a delivery failure.
	_ = c.Quit()
	return nil
}

// classify maps SMTP replies and network failures onto DeliveryError.
// 5xx replies (including 535 rejected credentials) are permanent; 4xx
// replies and network errors are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		return &DeliveryError{Permanent: tpe.Code >= 500, Code: tpe.Code, Err: err}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &DeliveryError{Permanent: true, Err: err}
	}
	// PlainAuth refuses to send credentials over an unencrypted link.
	if strings.Contains(err.Error(), "unencrypted connection") {
		return &DeliveryError{Permanent: true, Err: err}
	}
	return &DeliveryError{Err: err}
}
