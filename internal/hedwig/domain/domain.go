// Package domain holds the shared types that flow between the
// repository, the reply monitor, and the SMTP sender, in one file:
// plain structs plus a few small helpers (Hub.HasSMTP, Hub.HasIMAP,
// Hub.UnsubscribeURL, Email.HasAttachment) and the JSON encoding of
// the ZMQSendEmailMessage wire union.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Hub is a tenant with its own SMTP/IMAP credentials and message
// template. Hubs are created and updated out-of-band; the workers
// read every field except ImapLastUID, which the reply monitor also
// writes.
type Hub struct {
	ID            int64
	Login         string
	Password      string
	Sender        string
	SMTPServer    string
	SMTPPort      int
	IMAPServer    string
	IMAPPort      int
	EmailTemplate string
	ImapLastUID   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasSMTP reports whether every SMTP field is populated.
func (h Hub) HasSMTP() bool {
	return h.SMTPServer != "" && h.SMTPPort != 0 && h.Login != "" && h.Password != ""
}

// HasIMAP reports whether every IMAP field is populated.
func (h Hub) HasIMAP() bool {
	return h.IMAPServer != "" && h.IMAPPort != 0 && h.Login != "" && h.Password != ""
}

// UnsubscribeURL is the mailto link advertised in List-Unsubscribe
// headers and in {unsubscribe_url} template substitutions.
func (h Hub) UnsubscribeURL() string {
	return "mailto:" + h.Sender + "?subject=unsubscribe"
}

// Email is an outbound message batch addressed to one or more
// recipients. Counters are derived from the recipient rows and are
// recomputed by the repository whenever a recipient mutates.
type Email struct {
	ID              int64
	HubID           int64
	Message         string
	Subject         string
	Attachment      []byte
	AttachmentName  string
	AttachmentMime  string
	NumSent         int
	NumOpened       int
	NumReplied      int
	CreatedAt       time.Time
}

// HasAttachment reports whether the email carries a usable attachment.
func (e Email) HasAttachment() bool {
	return len(e.Attachment) > 0 && e.AttachmentName != "" && e.AttachmentMime != ""
}

// EmailRecipient is one delivery within an Email batch.
type EmailRecipient struct {
	ID        int64
	EmailID   int64
	Address   string
	Name      string
	Fields    map[string]string
	IsSent    bool
	Opened    bool
	Replied   bool
	Reply     string
	UpdatedAt time.Time
}

// EmailWithRecipients bundles an Email with its recipient rows, the
// shape returned by CreateEmail and UpdateRecipient.
type EmailWithRecipients struct {
	Email      Email
	Recipients []EmailRecipient
}

// NewEmailRecipient is the input shape for creating a recipient row.
type NewEmailRecipient struct {
	Address string
	Name    string
	Fields  map[string]string
}

// NewEmail is the input shape for creating an email batch.
type NewEmail struct {
	HubID          int64
	Message        string
	Subject        string
	Attachment     []byte
	AttachmentName string
	AttachmentMime string
	Recipients     []NewEmailRecipient
}

// UpdateRecipient carries a partial update to a recipient row. Nil
// pointers mean "leave unchanged".
type UpdateRecipient struct {
	IsSent  *bool
	Opened  *bool
	Replied *bool
	Reply   *string
}

// Unsubscribe records that an address has opted out of a hub's mail.
type Unsubscribe struct {
	Email  string
	HubID  int64
	Reason string
}

// ZMQSendEmailMessage is the inbound bus message consumed by the send
// worker. Exactly one of NewEmail or RetryEmail is set, mirroring the
// tagged union on the wire:
//
//	{"NewEmail": [user, {hub_id, message, ...}]}
//	{"RetryEmail": [email_id, hub_id]}
//
// The "user" element of the NewEmail tuple is accepted for wire
// compatibility and otherwise ignored, matching the original service's
// own handling of it.
type ZMQSendEmailMessage struct {
	NewEmail   *NewEmailRequest
	RetryEmail *RetryEmail
}

type zmqSendEmailWire struct {
	NewEmail   json.RawMessage `json:"NewEmail,omitempty"`
	RetryEmail json.RawMessage `json:"RetryEmail,omitempty"`
}

// UnmarshalJSON decodes the tagged-union wire format described above.
func (m *ZMQSendEmailMessage) UnmarshalJSON(data []byte) error {
	var wire zmqSendEmailWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode send-email envelope: %w", err)
	}

	switch {
	case wire.NewEmail != nil:
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(wire.NewEmail, &tuple); err != nil {
			return fmt.Errorf("decode NewEmail tuple: %w", err)
		}
		var req NewEmailRequest
		if err := json.Unmarshal(tuple[1], &req); err != nil {
			return fmt.Errorf("decode NewEmail payload: %w", err)
		}
		m.NewEmail = &req
	case wire.RetryEmail != nil:
		var tuple [2]int64
		if err := json.Unmarshal(wire.RetryEmail, &tuple); err != nil {
			return fmt.Errorf("decode RetryEmail tuple: %w", err)
		}
		m.RetryEmail = &RetryEmail{EmailID: tuple[0], HubID: tuple[1]}
	default:
		return fmt.Errorf("send-email envelope has neither NewEmail nor RetryEmail")
	}
	return nil
}

// MarshalJSON encodes the tagged-union wire format described above.
func (m ZMQSendEmailMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.NewEmail != nil:
		return json.Marshal(map[string]any{
			"NewEmail": []any{nil, m.NewEmail},
		})
	case m.RetryEmail != nil:
		return json.Marshal(map[string]any{
			"RetryEmail": []int64{m.RetryEmail.EmailID, m.RetryEmail.HubID},
		})
	default:
		return nil, fmt.Errorf("send-email message has neither NewEmail nor RetryEmail set")
	}
}

// NewEmailRequest is the payload of the "NewEmail" bus variant.
type NewEmailRequest struct {
	HubID          int64             `json:"hub_id"`
	Message        string            `json:"message"`
	Subject        string            `json:"subject,omitempty"`
	Attachment     []byte            `json:"attachment,omitempty"`
	AttachmentName string            `json:"attachment_name,omitempty"`
	AttachmentMime string            `json:"attachment_mime,omitempty"`
	Recipients     []RecipientRequest `json:"recipients"`
}

// RecipientRequest is one entry of a NewEmailRequest's recipient list.
type RecipientRequest struct {
	Address string            `json:"address"`
	Name    string            `json:"name"`
	Fields  map[string]string `json:"fields"`
}

// RetryEmail is the payload of the "RetryEmail" bus variant.
type RetryEmail struct {
	EmailID int64
	HubID   int64
}

// ZMQReplyMessage is published when an inbound message is classified
// as a reply to a tracked recipient.
type ZMQReplyMessage struct {
	HubID   int64  `json:"hub_id"`
	Email   string `json:"email"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

// ZMQUnsubscribeMessage is published when an address opts out, either
// by replying "unsubscribe" or by bouncing.
type ZMQUnsubscribeMessage struct {
	HubID  int64  `json:"hub_id"`
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}
