package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"dripflow/engine"
	"dripflow/models"
)

// SMTPSettings carries the dialer configuration for outbound mail.
type SMTPSettings struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// MergeData is the template context for rendering step payloads.
type MergeData struct {
	Email     string
	FirstName string
	LastName  string
	Company   string
	Position  string
}

// SMTPMailer renders a send_message step for a lead and dispatches it over
// SMTP. It implements engine.Mailer and owns the transient/permanent
// classification of delivery failures: rendering problems and 5xx replies
// are permanent, connectivity problems and 4xx replies are transient.
type SMTPMailer struct {
	DB       *gorm.DB
	Settings SMTPSettings
	Logger   *logrus.Logger
}

func NewSMTPMailer(db *gorm.DB, settings SMTPSettings, logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{DB: db, Settings: settings, Logger: logger}
}

var _ engine.Mailer = (*SMTPMailer)(nil)

func (m *SMTPMailer) Send(ctx context.Context, step *models.SequenceStep, lead *models.Lead) (string, error) {
	subject, body, err := m.render(ctx, step, lead)
	if err != nil {
		return "", engine.NewPermanentSendError(err)
	}

	messageID := uuid.New().String()

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", m.Settings.FromName, m.Settings.FromEmail))
	msg.SetHeader("To", lead.Email)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@dripflow>", messageID))
	msg.SetBody("text/html", body)

	dialer := gomail.NewDialer(m.Settings.Host, m.Settings.Port, m.Settings.Username, m.Settings.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return "", classifySendError(err)
	}

	m.Logger.WithFields(logrus.Fields{
		"lead_id":    lead.ID,
		"step_id":    step.ID,
		"message_id": messageID,
	}).Info("step message sent")
	return messageID, nil
}

// render resolves the step payload (stored template or inline body) and
// expands lead merge fields in both subject and body.
func (m *SMTPMailer) render(ctx context.Context, step *models.SequenceStep, lead *models.Lead) (string, string, error) {
	subject := step.Subject
	body := step.Body

	if step.TemplateID != nil {
		var tmpl models.Template
		if err := m.DB.WithContext(ctx).First(&tmpl, *step.TemplateID).Error; err != nil {
			return "", "", fmt.Errorf("template %d not found: %w", *step.TemplateID, err)
		}
		subject = tmpl.Subject
		body = tmpl.HTMLContent
	}

	data := MergeData{
		Email:     lead.Email,
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Company:   lead.Company,
		Position:  lead.Position,
	}

	renderedSubject, err := renderString("subject", subject, data)
	if err != nil {
		return "", "", err
	}
	renderedBody, err := renderString("body", body, data)
	if err != nil {
		return "", "", err
	}
	return renderedSubject, renderedBody, nil
}

func renderString(name, content string, data MergeData) (string, error) {
	tmpl, err := template.New(name).Parse(content)
	if err != nil {
		return "", fmt.Errorf("error parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("error executing %s template: %w", name, err)
	}
	return buf.String(), nil
}

// classifySendError maps a delivery error onto the engine's taxonomy.
// Network-level failures retry; SMTP replies are classified by code
// family; anything unrecognized is treated as transient so one flaky
// relay cannot fail enrollments outright.
func classifySendError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return engine.NewTransientSendError(err)
	}

	if code, ok := smtpReplyCode(err.Error()); ok {
		if code >= 500 {
			return engine.NewPermanentSendError(err)
		}
		return engine.NewTransientSendError(err)
	}
	return engine.NewTransientSendError(err)
}

// smtpReplyCode extracts a leading 3-digit SMTP reply code if the error
// message carries one.
func smtpReplyCode(msg string) (int, bool) {
	fields := strings.Fields(msg)
	for _, f := range fields {
		if len(f) == 3 {
			if code, err := strconv.Atoi(f); err == nil && code >= 200 && code < 600 {
				return code, true
			}
		}
	}
	return 0, false
}
