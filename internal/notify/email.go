package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/bookgen/api/internal/logger"
)

// Mailer sends a two-part email.
type Mailer interface {
	Send(ctx context.Context, to string, msg EmailMessage) error
}

// EmailMessage is a rendered email.
type EmailMessage struct {
	Subject string
	Text    string
	HTML    string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	StartTLS bool
}

// EmailSender delivers mail over SMTP.
type EmailSender struct {
	cfg SMTPConfig
	log *logger.Logger
}

// NewEmailSender returns nil when SMTP is not configured, which disables
// the email channel.
func NewEmailSender(cfg SMTPConfig, log *logger.Logger) *EmailSender {
	if cfg.Host == "" || cfg.From == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EmailSender{cfg: cfg, log: log.With("component", "email")}
}

func (s *EmailSender) Send(ctx context.Context, to string, em EmailMessage) error {
	msg, err := s.message(to, em)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if s.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.User),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.log.Debug("email sent", "to", to, "subject", em.Subject)
	return nil
}

func (s *EmailSender) message(to string, em EmailMessage) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(em.Subject)
	msg.SetBodyString(mail.TypeTextPlain, em.Text)
	if em.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, em.HTML)
	}
	return msg, nil
}

// EmailData feeds the email templates.
type EmailData struct {
	Title     string
	Character string
	JobID     string
	Severity  string
	Message   string
	Timestamp time.Time
	Link      string
}

var textTmpl = texttemplate.Must(texttemplate.New("text").Parse(`{{.Title}}

{{if .Character}}Biography: {{.Character}}
{{end}}{{if .JobID}}Job: {{.JobID}}
{{end}}{{if .Severity}}Severity: {{.Severity}}
{{end}}Time: {{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}

{{.Message}}
{{if .Link}}
{{.Link}}
{{end}}`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html><body style="font-family: sans-serif">
<h2>{{.Title}}</h2>
<table>
{{if .Character}}<tr><td><b>Biography</b></td><td>{{.Character}}</td></tr>{{end}}
{{if .JobID}}<tr><td><b>Job</b></td><td><code>{{.JobID}}</code></td></tr>{{end}}
{{if .Severity}}<tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>{{end}}
<tr><td><b>Time</b></td><td>{{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}</td></tr>
</table>
<p>{{.Message}}</p>
{{if .Link}}<p><a href="{{.Link}}">{{.Link}}</a></p>{{end}}
</body></html>`))

// RenderEmail fills both templates.
func RenderEmail(subject string, data EmailData) (EmailMessage, error) {
	data.Timestamp = data.Timestamp.UTC()
	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, data); err != nil {
		return EmailMessage{}, fmt.Errorf("failed to render text email: %w", err)
	}
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return EmailMessage{}, fmt.Errorf("failed to render html email: %w", err)
	}
	return EmailMessage{Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
