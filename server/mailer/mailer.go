package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/vitaltag/vitaltag/shared"
)

// Mailer is the Email-class channel. Plain smtp - alerts are short text,
// nothing here needs templating or attachments.
type Mailer struct {
	config   shared.SmtpConfig
	testMode bool
}

func NewMailer(config shared.SmtpConfig, testMode bool) *Mailer {
	return &Mailer{config: config, testMode: testMode}
}

func (m *Mailer) Enabled() bool {
	return m.config.Host != "" && m.config.From != ""
}

func (m *Mailer) Send(to []string, subject, body string) error {
	if m.testMode {
		return nil
	}

	message := []byte(fmt.Sprintf("To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", strings.Join(to, ","), subject, body))

	auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	addr := m.config.Host + ":" + m.config.Port

	return smtp.SendMail(addr, auth, m.config.From, to, message)
}
