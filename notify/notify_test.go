package notify

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	mail "gopkg.in/gomail.v2"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/journal"
)

// capture records messages instead of dialing SMTP.
type capture struct {
	from string
	to   []string
	raw  bytes.Buffer
	err  error
}

func (c *capture) sender() mail.Sender {
	return mail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		c.from = from
		c.to = to
		if _, err := msg.WriteTo(&c.raw); err != nil {
			return err
		}
		return c.err
	})
}

func testConfig() config.NotifyConfig {
	return config.NotifyConfig{
		SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "bench"},
		From: "softdfu@example.com",
		To:   []string{"ops@example.com", "qa@example.com"},
	}
}

func testEntry() journal.Entry {
	return journal.Entry{
		Started:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		VendorID:  0x0483,
		ProductID: 0xDF11,
		Serial:    "SIM0001",
		ImageHash: strings.Repeat("0f", 32),
		ImageSize: 1000,
		Blocks:    8,
		State:     "Complete",
		Duration:  1500 * time.Millisecond,
	}
}

func TestNew_Disabled(t *testing.T) {
	if m := New(config.NotifyConfig{To: []string{"ops@example.com"}}); m != nil {
		t.Error("New() without SMTP host should return nil")
	}
}

func TestNew_From(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.NotifyConfig
		want string
	}{
		{"explicit", config.NotifyConfig{SMTP: config.SMTPConfig{Host: "mx", Username: "u@x"}, From: "f@x"}, "f@x"},
		{"username", config.NotifyConfig{SMTP: config.SMTPConfig{Host: "mx", Username: "u@x"}}, "u@x"},
		{"default", config.NotifyConfig{SMTP: config.SMTPConfig{Host: "mx"}}, DefaultFrom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.cfg).from; got != tt.want {
				t.Errorf("from = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	m := New(testConfig())
	msg := m.Message(testEntry())

	if got := msg.GetHeader("To"); len(got) != 2 || got[0] != "ops@example.com" {
		t.Errorf("To = %v", got)
	}
	subject := msg.GetHeader("Subject")
	if len(subject) != 1 || subject[0] != "[softdfu] update OK: 0483:df11 SIM0001" {
		t.Errorf("Subject = %v", subject)
	}
}

func TestSend(t *testing.T) {
	c := &capture{}
	m := New(testConfig())
	m.sender = c.sender()

	e := testEntry()
	e.State = "Error"
	e.Error = "dfu: read-back differs at offset 999"
	if err := m.Send(e); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if c.from != "softdfu@example.com" || len(c.to) != 2 {
		t.Errorf("envelope = %q -> %v", c.from, c.to)
	}
	raw := c.raw.String()
	for _, want := range []string{
		"Subject: [softdfu] update FAILED: 0483:df11 SIM0001",
		"serial: SIM0001",
		"blocks: 8",
		"took:   1.5s",
		"start:  2026-01-02T03:04:05Z",
		"error:  dfu: read-back differs at offset 999",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q:\n%s", want, raw)
		}
	}
}

func TestSend_Error(t *testing.T) {
	c := &capture{err: errors.New("relay refused")}
	m := New(testConfig())
	m.sender = c.sender()

	err := m.Send(testEntry())
	if err == nil || !strings.Contains(err.Error(), "relay refused") {
		t.Errorf("Send() error = %v", err)
	}
}

func TestBody_Success(t *testing.T) {
	b := body(testEntry())
	if strings.Contains(b, "error:") {
		t.Errorf("successful report has error line:\n%s", b)
	}
	if !strings.Contains(b, "state:  Complete") {
		t.Errorf("report missing state:\n%s", b)
	}
}
