// Package classifier decides what to do with one freshly fetched
// inbound message: unsubscribe request, bounce, reply to a tracked
// recipient, or nothing of interest. Grounded on
// original_source/src/check_reply/service.rs's process_new_message,
// adapted to consume mimeparse.ParsedEmail instead of re-deriving
// subject/sender/bounce-recipient from raw header and body text.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
	"github.com/pushkind/hedwig/internal/hedwig/mimeparse"
	"github.com/pushkind/hedwig/internal/hedwig/store"
)

// Repository is the slice of store.Store the classifier needs.
type Repository interface {
	GetEmailRecipientByID(ctx context.Context, id int64, hubID int64) (domain.EmailRecipient, error)
	UpdateRecipient(ctx context.Context, recipientID int64, updates domain.UpdateRecipient) (domain.EmailWithRecipients, error)
}

// Publisher sends classified events onto the reply bus.
type Publisher interface {
	PublishReply(ctx context.Context, msg domain.ZMQReplyMessage) error
	PublishUnsubscribe(ctx context.Context, msg domain.ZMQUnsubscribeMessage) error
}

// Classifier dispatches one parsed message per hub.
type Classifier struct {
	Repo      Repository
	Publisher Publisher
	Logger    *slog.Logger
}

// Process implements the five-step dispatch: unsubscribe-by-subject,
// bounce-by-subject, reply-by-recipient-id, else log and drop.
func (c *Classifier) Process(ctx context.Context, hubID int64, msg mimeparse.ParsedEmail) {
	switch {
	case strings.EqualFold(strings.TrimSpace(msg.Subject), "unsubscribe"):
		c.processUnsubscribeSubject(ctx, hubID, msg)
	case strings.EqualFold(strings.TrimSpace(msg.Subject), "Undelivered Mail Returned to Sender"):
		c.processBounce(ctx, hubID, msg)
	case msg.HasRecipientID:
		c.processReply(ctx, hubID, msg)
	default:
		c.Logger.Info("message did not match any known classification", "hub_id", hubID, "subject", msg.Subject)
	}
}

func (c *Classifier) processUnsubscribeSubject(ctx context.Context, hubID int64, msg mimeparse.ParsedEmail) {
	if msg.SenderEmail == "" {
		c.Logger.Warn("received unsubscribe email without sender", "hub_id", hubID)
		return
	}
	c.publishUnsubscribe(ctx, hubID, msg.SenderEmail, msg.Subject)
}

func (c *Classifier) processBounce(ctx context.Context, hubID int64, msg mimeparse.ParsedEmail) {
	if msg.BounceRecipient == "" {
		c.Logger.Warn("undelivered email without identifiable recipient", "hub_id", hubID)
		return
	}
	c.publishUnsubscribe(ctx, hubID, msg.BounceRecipient, msg.Subject)
}

func (c *Classifier) publishUnsubscribe(ctx context.Context, hubID int64, email, reason string) {
	out := domain.ZMQUnsubscribeMessage{HubID: hubID, Email: email, Reason: reason}
	if err := c.Publisher.PublishUnsubscribe(ctx, out); err != nil {
		c.Logger.Error("cannot publish unsubscribe message", "hub_id", hubID, "email", email, "error", err)
		return
	}
	c.Logger.Info("unsubscribe message published", "hub_id", hubID, "email", email)
}

func (c *Classifier) processReply(ctx context.Context, hubID int64, msg mimeparse.ParsedEmail) {
	recipient, err := c.Repo.GetEmailRecipientByID(ctx, msg.RecipientID, hubID)
	if errors.Is(err, store.ErrNotFound) {
		c.Logger.Warn("recipient not found for reply", "recipient_id", msg.RecipientID, "hub_id", hubID)
		return
	}
	if err != nil {
		c.Logger.Error("failed to load recipient for reply", "recipient_id", msg.RecipientID, "hub_id", hubID, "error", err)
		return
	}

	sent, opened, replied := true, true, true
	update := domain.UpdateRecipient{IsSent: &sent, Opened: &opened, Replied: &replied, Reply: &msg.Reply}
	if _, err := c.Repo.UpdateRecipient(ctx, recipient.ID, update); err != nil {
		c.Logger.Error("cannot set recipient replied status", "recipient_id", recipient.ID, "error", err)
	} else {
		c.Logger.Info("recipient replied status set", "recipient_id", recipient.ID)
	}

	// The published email is the message's own parsed sender address,
	// not the stored recipient.Address: the two can differ (aliases,
	// forwarding), and downstream consumers want the address the
	// reply actually came from.
	out := domain.ZMQReplyMessage{HubID: hubID, Email: msg.SenderEmail, Message: msg.Reply, Subject: msg.Subject}
	if err := c.Publisher.PublishReply(ctx, out); err != nil {
		c.Logger.Error("cannot publish reply message", "recipient_id", recipient.ID, "error", err)
	} else {
		c.Logger.Info("reply message published", "recipient_id", recipient.ID)
	}
}
