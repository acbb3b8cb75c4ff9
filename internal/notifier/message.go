package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const timeLayout = "2006-01-02 15:04:05"

// Message is a composed RFC 5322 message ready for a Transport.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    []byte
}

func subjectLine(prefix string, a Alert) string {
	name := a.Subject.Label
	if name == "" {
		name = a.Subject.ID
	}
	s := fmt.Sprintf("Inactivity detected - %s", name)
	if c := strings.TrimSpace(a.Subject.OwnerContact); c != "" {
		s += fmt.Sprintf(" (contact: %s)", c)
	}
	if p := strings.TrimSpace(prefix); p != "" {
		s = p + " " + s
	}
	return s
}

type row struct{ k, v string }

func alertRows(a Alert) []row {
	last := "unknown"
	if a.LastActivityAt != nil {
		last = a.LastActivityAt.Local().Format(timeLayout)
	}
	rows := []row{
		{"Name", a.Subject.Label},
		{"Contact", a.Subject.OwnerContact},
		{"Profile UID", a.Subject.ID},
		{"State", string(a.State)},
		{"Inactive days", fmt.Sprintf("%d (threshold %d)", a.InactiveDays, a.ThresholdDays)},
		{"Last activity", last},
		{"Checked at", a.CheckedAt.Local().Format(timeLayout)},
		{"Profile", "https://space.bilibili.com/" + a.Subject.ID},
	}
	if a.CycleID != "" {
		rows = append(rows, row{"Cycle", a.CycleID})
	}
	return rows
}

func detailJSON(a Alert) string {
	if len(a.Detail) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(a.Detail, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}

func renderText(a Alert) string {
	var b strings.Builder
	b.WriteString("An inactivity alert was raised.\n\n")
	for _, r := range alertRows(a) {
		if r.v == "" {
			continue
		}
		fmt.Fprintf(&b, "%-14s %s\n", r.k+":", r.v)
	}
	if d := detailJSON(a); d != "" {
		b.WriteString("\nDetail:\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("\nThis alert is sent once per inactive period.\n")
	return b.String()
}

func renderHTML(a Alert) string {
	var b strings.Builder
	b.WriteString(`<html><body style="font-family:sans-serif">`)
	b.WriteString(`<h2 style="color:#c0392b">Inactivity detected</h2>`)
	b.WriteString(`<table cellpadding="4" style="border-collapse:collapse">`)
	for _, r := range alertRows(a) {
		if r.v == "" {
			continue
		}
		fmt.Fprintf(&b, `<tr><td><b>%s</b></td><td>%s</td></tr>`, html.EscapeString(r.k), html.EscapeString(r.v))
	}
	b.WriteString(`</table>`)
	if d := detailJSON(a); d != "" {
		fmt.Fprintf(&b, `<pre style="background:#f4f4f4;padding:8px">%s</pre>`, html.EscapeString(d))
	}
	b.WriteString(`<p style="color:#888">This alert is sent once per inactive period.</p>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

// Compose builds the multipart/alternative message for a.
func Compose(cfg Config, a Alert, now time.Time) (Message, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return Message{}, &DeliveryError{Permanent: true, Err: fmt.Errorf("sender address: %w", err)}
	}
	to := make([]*mail.Address, 0, len(cfg.To))
	rcpts := make([]string, 0, len(cfg.To))
	for _, raw := range cfg.To {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return Message{}, &DeliveryError{Permanent: true, Err: fmt.Errorf("recipient address %q: %w", raw, err)}
		}
		to = append(to, addr)
		rcpts = append(rcpts, addr.Address)
	}
	if len(to) == 0 {
		return Message{}, &DeliveryError{Permanent: true, Err: fmt.Errorf("no recipients")}
	}

	subject := subjectLine(cfg.SubjectPrefix, a)

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return Message{}, fmt.Errorf("create writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return Message{}, fmt.Errorf("create inline: %w", err)
	}
	for _, part := range []struct{ ctype, body string }{
		{"text/plain", renderText(a)},
		{"text/html", renderHTML(a)},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.ctype, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := tw.CreatePart(ph)
		if err != nil {
			return Message{}, fmt.Errorf("create %s part: %w", part.ctype, err)
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return Message{}, fmt.Errorf("write %s part: %w", part.ctype, err)
		}
		if err := w.Close(); err != nil {
			return Message{}, fmt.Errorf("close %s part: %w", part.ctype, err)
		}
	}
	if err := tw.Close(); err != nil {
		return Message{}, err
	}
	if err := mw.Close(); err != nil {
		return Message{}, err
	}

	return Message{From: from.Address, To: rcpts, Subject: subject, Body: buf.Bytes()}, nil
}
