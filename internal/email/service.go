// Package email sends account and project notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"

	"nexusdash/api/internal/richtext"
	"nexusdash/api/internal/util"
)

const appName = "Nexus Dash"

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
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

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text part derived
// from the HTML body.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := s.buildMessage(to, subject, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *Service) buildMessage(to []string, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	boundary := "nexus-" + util.RandomHex(12)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", richtext.PlainText(htmlBody))

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type MemberAddedData struct {
	AppName     string
	UserName    string
	ProjectName string
	Role        string
	ProjectURL  string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := renderTemplate(verificationTemplate, VerificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Verify your "+appName+" account", html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := renderTemplate(passwordResetTemplate, PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Reset your "+appName+" password", html)
}

// SendMemberAddedEmail tells a user they were added to a project.
func (s *Service) SendMemberAddedEmail(to string, data MemberAddedData) error {
	data.AppName = appName
	html, err := renderTemplate(memberAddedTemplate, data)
	if err != nil {
		return fmt.Errorf("render member template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "You were added to "+data.ProjectName, html)
}

var (
	verificationTemplate  = template.Must(template.New("verify").Parse(layout(verificationBody)))
	passwordResetTemplate = template.Must(template.New("reset").Parse(layout(passwordResetBody)))
	memberAddedTemplate   = template.Must(template.New("member").Parse(layout(memberAddedBody)))
)

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func layout(body string) string {
	return `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #1f2937; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7c3aed; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #7c3aed; color: white; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #6b7280; }
        .link { word-break: break-all; color: #7c3aed; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
` + body + `
</body>
</html>`
}

const verificationBody = `
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Confirm your email address to start using your dashboard.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>Or open this link:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>The link expires in 24 hours.</p>
    <div class="footer"><p>If you did not sign up for {{.AppName}}, ignore this email.</p></div>`

const passwordResetBody = `
    <h2>Password reset</h2>
    <p>Hi {{.UserName}},</p>
    <p>Use the button below to choose a new password.</p>
    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>
    <p>Or open this link:</p>
    <p class="link">{{.ResetURL}}</p>
    <p><strong>The link expires in 1 hour.</strong></p>
    <div class="footer"><p>If you did not request a reset, your password stays unchanged.</p></div>`

const memberAddedBody = `
    <h2>New project: {{.ProjectName}}</h2>
    <p>Hi {{.UserName}},</p>
    <p>You now have <strong>{{.Role}}</strong> access to <strong>{{.ProjectName}}</strong>.</p>
    <p><a href="{{.ProjectURL}}" class="button">Open project</a></p>`
