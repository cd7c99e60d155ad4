// Package notify delivers best-effort author notifications over SMTP.
// Delivery failures never fail the action that triggered them; callers
// log and move on.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

const (
	KindSuggestionApproved = "suggestion_approved"
	KindSuggestionRejected = "suggestion_rejected"
)

// Event describes what happened to a recipient's suggestion.
type Event struct {
	Kind          string
	DocumentTitle string
	ParagraphID   string
	Notes         string
}

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP delivery is set up.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Notify sends an event summary to the recipient address.
func (s *Service) Notify(email string, event Event) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	subject, body := RenderEvent(event)

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		email,
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, []string{email}, msg)
}

// RenderEvent formats an event into a subject and plain-text body.
func RenderEvent(event Event) (subject, body string) {
	switch event.Kind {
	case KindSuggestionApproved:
		subject = fmt.Sprintf("Your suggestion for %q was approved", event.DocumentTitle)
		body = fmt.Sprintf("Your proposed wording is now the official text of paragraph %s.", event.ParagraphID)
	case KindSuggestionRejected:
		subject = fmt.Sprintf("Your suggestion for %q was not accepted", event.DocumentTitle)
		body = fmt.Sprintf("An administrator declined your proposed wording for paragraph %s.", event.ParagraphID)
	default:
		subject = fmt.Sprintf("Update on %q", event.DocumentTitle)
		body = fmt.Sprintf("Activity on paragraph %s.", event.ParagraphID)
	}
	if notes := strings.TrimSpace(event.Notes); notes != "" {
		body += "\n\nReviewer notes: " + notes
	}
	return subject, body
}
