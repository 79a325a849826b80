// Package mailer implements the post-cleanup transcript-notification email,
// the Mailer adapter named in the Orchestrator's cleanup sequence.
package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

// SMTPConfig holds the SMTP server configuration used to send transcript
// notifications.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
	Secure   string // "none", "starttls", "tls"

	SubjectTemplate string
	BodyTemplate    string
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != 0 && c.From != "" && c.To != ""
}

// Notification describes a completed call for the transcript email.
type Notification struct {
	CallID         string
	CallerIdentity string
	TranscriptPath string
	Reason         string
	EndedAt        time.Time
}

// Mailer is the interface the Orchestrator's cleanup step depends on,
// letting tests substitute a recording fake.
type Mailer interface {
	SendTranscript(cfg SMTPConfig, notif Notification) error
}

// smtpClient abstracts the methods used from *smtp.Client, for test
// injection without a real network dial.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Sender sends transcript notification emails via SMTP.
type Sender struct {
	logger   *slog.Logger
	dialFunc func(addr string, tlsConfig *tls.Config, secure string) (smtpClient, error)
}

// NewSender creates a new Sender.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger:   logger.With("component", "mailer"),
		dialFunc: defaultDial,
	}
}

// SendTranscript sends a transcript-notification email. Called from the
// Orchestrator's cleanup step 11 when EMAIL_ENABLED and the call ended
// naturally (not via redirect handoff).
func (s *Sender) SendTranscript(cfg SMTPConfig, notif Notification) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}

	msg, err := buildMessage(cfg, notif)
	if err != nil {
		return fmt.Errorf("building transcript email: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, cfg.Secure)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(cfg.Secure, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range splitRecipients(cfg.To) {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("transcript notification email sent",
		"call_id", notif.CallID,
		"caller", notif.CallerIdentity,
		"reason", notif.Reason,
	)

	return nil
}

// splitRecipients parses EMAIL_TO's comma-separated recipient list.
func splitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDial(addr string, tlsConfig *tls.Config, secure string) (smtpClient, error) {
	if strings.EqualFold(secure, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

const defaultSubjectTemplate = "Call transcript: {{.CallerIdentity}}"

const defaultBodyTemplate = `Call {{.CallID}} from {{.CallerIdentity}} ended ({{.Reason}}).

Transcript: {{.TranscriptPath}}
Ended at: {{.EndedAt}}
`

// buildMessage renders the subject/body templates and assembles a
// plain-text MIME message. The message names the transcript by its path
// and carries neither the transcript text nor an attachment, since (unlike
// the ancestor's voicemail WAV) the transcript is already a text file the
// operator can open directly at TranscriptPath.
func buildMessage(cfg SMTPConfig, notif Notification) ([]byte, error) {
	subjectTmpl := cfg.SubjectTemplate
	if subjectTmpl == "" {
		subjectTmpl = defaultSubjectTemplate
	}
	bodyTmpl := cfg.BodyTemplate
	if bodyTmpl == "" {
		bodyTmpl = defaultBodyTemplate
	}

	subject, err := renderTemplate("subject", subjectTmpl, notif)
	if err != nil {
		return nil, err
	}
	body, err := renderTemplate("body", bodyTmpl, notif)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", cfg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(body)

	return buf.Bytes(), nil
}

func renderTemplate(name, tmpl string, notif Notification) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, notif); err != nil {
		return "", fmt.Errorf("executing %s template: %w", name, err)
	}
	return buf.String(), nil
}
