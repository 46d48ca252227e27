// Package notify mails a report after each firmware update.
package notify

import (
	"fmt"
	"strings"
	"time"

	mail "gopkg.in/gomail.v2"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/journal"
	"github.com/ardnew/softdfu/pkg"
)

// DefaultFrom is the sender used when none is configured.
const DefaultFrom = "softdfu@localhost"

// Mailer sends update reports over SMTP.
type Mailer struct {
	from string
	to   []string

	dialer *mail.Dialer
	sender mail.Sender // Replaces dialer when set
}

// New creates a mailer from the notify configuration.
// Returns nil if no SMTP host is configured.
func New(cfg config.NotifyConfig) *Mailer {
	if cfg.SMTP.Host == "" {
		return nil
	}
	from := cfg.From
	if from == "" {
		from = cfg.SMTP.Username
	}
	if from == "" {
		from = DefaultFrom
	}
	return &Mailer{
		from:   from,
		to:     cfg.To,
		dialer: mail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password),
	}
}

// Message builds the report for e.
func (m *Mailer) Message(e journal.Entry) *mail.Message {
	outcome := "OK"
	if !e.OK() {
		outcome = "FAILED"
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", fmt.Sprintf("[softdfu] update %s: %04x:%04x %s",
		outcome, e.VendorID, e.ProductID, e.Serial))
	msg.SetDateHeader("Date", e.Started)
	msg.SetBody("text/plain", body(e))
	return msg
}

func body(e journal.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "device: %04x:%04x\n", e.VendorID, e.ProductID)
	fmt.Fprintf(&b, "serial: %s\n", e.Serial)
	fmt.Fprintf(&b, "image:  %d bytes\n", e.ImageSize)
	fmt.Fprintf(&b, "sha256: %s\n", e.ImageHash)
	fmt.Fprintf(&b, "blocks: %d\n", e.Blocks)
	fmt.Fprintf(&b, "state:  %s\n", e.State)
	fmt.Fprintf(&b, "start:  %s\n", e.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "took:   %v\n", e.Duration.Round(time.Millisecond))
	if !e.OK() {
		fmt.Fprintf(&b, "error:  %s\n", e.Error)
	}
	return b.String()
}

// Send mails the report for e.
func (m *Mailer) Send(e journal.Entry) error {
	msg := m.Message(e)

	var err error
	if m.sender != nil {
		err = mail.Send(m.sender, msg)
	} else {
		err = m.dialer.DialAndSend(msg)
	}
	if err != nil {
		return fmt.Errorf("notify: could not send report: %w", err)
	}

	pkg.LogInfo(pkg.ComponentNotify, "report sent",
		"to", strings.Join(m.to, ","),
		"serial", e.Serial)
	return nil
}
