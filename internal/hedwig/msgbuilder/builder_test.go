package msgbuilder

import (
	"strings"
	"testing"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

func TestBuildsMessageWithTrackingAndUnsubscribe(t *testing.T) {
	hub := domain.Hub{
		ID:            1,
		Login:         "sender@example.com",
		Sender:        "sender@example.com",
		EmailTemplate: "Hi {name}! {message} Unsubscribe: {unsubscribe_url}",
	}
	email := domain.Email{
		ID:      1,
		HubID:   1,
		Message: "Hello {favorite_color}, fruit {unknown}",
		Subject: "Hello",
	}
	recipient := domain.EmailRecipient{
		ID:      7,
		Address: "to@example.com",
		Name:    "Alice",
		Fields:  map[string]string{"favorite_color": "blue"},
	}

	raw, err := Build(hub, email, recipient, "example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out := string(raw)

	if !strings.Contains(out, "Hi Alice! Hello blue, fruit {unknown}") {
		t.Errorf("rendered body missing expected text, got:\n%s", out)
	}
	if !strings.Contains(out, "track/7") {
		t.Errorf("missing tracking pixel reference, got:\n%s", out)
	}
	if !strings.Contains(out, "7@example.com") {
		t.Errorf("missing message id, got:\n%s", out)
	}
	if !strings.Contains(out, "List-Unsubscribe") {
		t.Errorf("missing List-Unsubscribe header, got:\n%s", out)
	}
}

func TestBuildFromHeaderCombinesSenderNameAndLoginAddress(t *testing.T) {
	hub := domain.Hub{
		ID:            1,
		Login:         "login@smtp.example.com",
		Sender:        "Notifications",
		EmailTemplate: "{message}",
	}
	email := domain.Email{ID: 1, HubID: 1, Message: "Hello"}
	recipient := domain.EmailRecipient{ID: 1, Address: "to@example.com"}

	raw, err := Build(hub, email, recipient, "example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out := string(raw)

	if !strings.Contains(out, `From: "Notifications" <login@smtp.example.com>`) {
		t.Errorf("want From header combining hub.Sender as display name and hub.Login as address, got:\n%s", out)
	}
}

func TestBuildAppendsMessageWhenTemplateOmitsPlaceholder(t *testing.T) {
	hub := domain.Hub{
		ID:     1,
		Login:  "sender@example.com",
		Sender: "sender@example.com",
		// No {message} token at all.
		EmailTemplate: "Hi {name}!",
	}
	email := domain.Email{ID: 1, HubID: 1, Message: "Body text"}
	recipient := domain.EmailRecipient{ID: 1, Address: "to@example.com", Name: "Bob"}

	raw, err := Build(hub, email, recipient, "example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(string(raw), "Body text") {
		t.Errorf("expected fallback-appended message body, got:\n%s", raw)
	}
}

func TestBuildIncludesAttachmentWhenProvided(t *testing.T) {
	hub := domain.Hub{ID: 1, Sender: "sender@example.com", EmailTemplate: "{message}"}
	email := domain.Email{
		ID:             1,
		HubID:          1,
		Message:        "Hello",
		Attachment:     []byte("file contents"),
		AttachmentName: "report.txt",
		AttachmentMime: "text/plain",
	}
	recipient := domain.EmailRecipient{ID: 1, Address: "to@example.com"}

	raw, err := Build(hub, email, recipient, "example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(string(raw), "report.txt") {
		t.Errorf("expected attachment filename in output, got:\n%s", raw)
	}
}

func TestBuildSkipsAttachmentWhenIncomplete(t *testing.T) {
	hub := domain.Hub{ID: 1, Sender: "sender@example.com", EmailTemplate: "{message}"}
	email := domain.Email{
		ID:         1,
		HubID:      1,
		Message:    "Hello",
		Attachment: []byte("file contents"),
		// AttachmentName and AttachmentMime left empty.
	}
	recipient := domain.EmailRecipient{ID: 1, Address: "to@example.com"}

	raw, err := Build(hub, email, recipient, "example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(string(raw), "file contents") {
		t.Errorf("attachment should not be included when fields are incomplete")
	}
}
