// Package email sends logbook invitations over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

type InviteData struct {
	AppName     string
	InviterName string
	LogbookName string
	Role        string
	InviteURL   string
	ExpiresOn   string
}

// SendInvite mails an invitation link for a logbook.
func (s *Service) SendInvite(to, inviterName, logbookName, role, inviteURL string, expiresAt time.Time) error {
	data := InviteData{
		AppName:     s.appName(),
		InviterName: inviterName,
		LogbookName: logbookName,
		Role:        role,
		InviteURL:   inviteURL,
		ExpiresOn:   expiresAt.UTC().Format("January 2, 2006"),
	}
	html, err := renderTemplate(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	subject := fmt.Sprintf("%s invited you to %s", inviterName, logbookName)
	text := fmt.Sprintf("%s invited you to join %q as %s.\r\nOpen %s to accept. The link expires on %s.\r\n",
		inviterName, logbookName, role, inviteURL, data.ExpiresOn)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	for _, addr := range to {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}
	if strings.ContainsAny(subject, "\r\n") {
		return errors.New("invalid subject")
	}
	return s.send(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, textBody, htmlBody))
}

func (s *Service) buildMessage(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-logbook"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func (s *Service) appName() string {
	if s.config.FromName != "" {
		return s.config.FromName
	}
	return "Logbook"
}

var inviteTemplate = template.Must(template.New("invite").Parse(inviteEmailTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You're invited to {{.LogbookName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #c2410c; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #c2410c; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>{{.InviterName}} would like you to join <strong>{{.LogbookName}}</strong> as <em>{{.Role}}</em>.</p>
    <p><a href="{{.InviteURL}}" class="button">Open the logbook</a></p>
    <p>Or paste this link into your browser: {{.InviteURL}}</p>
    <div class="footer"><p>This invitation expires on {{.ExpiresOn}}. If you weren't expecting it, you can ignore this email.</p></div>
</body>
</html>`
