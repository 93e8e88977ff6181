package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/mail"
	"text/template"

	"pdcaflow/internal/config"
	"pdcaflow/internal/domain"
)

// Attachment is an opaque file attached to a notification.
type Attachment struct {
	Name    string `json:"name"`
	Content []byte `json:"-"`
}

// Notification is a rendered message ready to send.
type Notification struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Recipient   string       `json:"recipient"`
	CC          []string     `json:"cc,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Mailer delivers notifications. Send failures are best effort: the hub logs
// them and the workflow state that triggered the message stays applied.
type Mailer interface {
	Send(ctx context.Context, n Notification) error
}

// ReportRenderer produces the printable report of a document, attached to
// notifications when configured. Rendering itself lives outside this core.
type ReportRenderer interface {
	Render(ctx context.Context, doc domain.Document) (name string, content []byte, err error)
}

// Hub renders templates from config and hands notifications to a Mailer.
type Hub struct {
	Config *config.Config
	Mailer Mailer
	Logger *log.Logger
}

func (h Hub) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

// Render evaluates the named template against the document context.
func (h Hub) Render(templateID string, doc domain.Document) (subject, body string, err error) {
	tpl, ok := h.Config.Notify.Templates[templateID]
	if !ok {
		return "", "", fmt.Errorf("template %s not defined", templateID)
	}
	subject, err = execute("subject", tpl.Subject, doc)
	if err != nil {
		return "", "", err
	}
	body, err = execute("body", tpl.Body, doc)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

// Send delivers a notification, logging and swallowing failures.
func (h Hub) Send(ctx context.Context, n Notification) {
	if h.Mailer == nil {
		h.logger().Printf("notify: no mailer configured, dropping %q to %s", n.Subject, n.Recipient)
		return
	}
	if err := h.Mailer.Send(ctx, n); err != nil {
		h.logger().Printf("notify: send %q to %s failed: %v", n.Subject, n.Recipient, err)
	}
}

// ValidCC filters a candidate CC list down to syntactically valid email
// addresses. Invalid entries are silently dropped.
func ValidCC(candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := mail.ParseAddress(c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func execute(name, src string, doc domain.Document) (string, error) {
	t, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return buf.String(), nil
}

// LogMailer is the default Mailer: it records the message in the process log
// instead of delivering it. Deployments swap in a real transport.
type LogMailer struct {
	Logger *log.Logger
}

func (m LogMailer) Send(_ context.Context, n Notification) error {
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: to=%s cc=%v subject=%q attachments=%d", n.Recipient, n.CC, n.Subject, len(n.Attachments))
	return nil
}
