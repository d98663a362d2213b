package smtpsender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
	"github.com/pushkind/hedwig/internal/hedwig/msgbuilder"
	"github.com/pushkind/hedwig/internal/hedwig/store"
)

// Repository is the slice of store.Store the sender needs. Declaring
// it as an interface keeps the sender testable against a fake, the
// same discipline the teacher applies in internal/email/trust.go's
// ContactResolver.
type Repository interface {
	GetEmailByID(ctx context.Context, id, hubID int64) (domain.EmailWithRecipients, error)
	GetHubByID(ctx context.Context, id int64) (domain.Hub, error)
	CreateEmail(ctx context.Context, in domain.NewEmail) (domain.EmailWithRecipients, error)
	UpdateRecipient(ctx context.Context, recipientID int64, updates domain.UpdateRecipient) (domain.EmailWithRecipients, error)
}

// Service processes send requests off the bus.
type Service struct {
	Repo   Repository
	Domain string
	Mailer Mailer
	Logger *slog.Logger
}

// Handle processes one ZMQSendEmailMessage: it loads or creates the
// email, sends to every not-yet-sent recipient, and commits delivery
// status per recipient. Per-recipient failures are logged and
// skipped; the batch always continues. A missing hub is logged and
// treated as a no-op, matching
// original_source/src/send_email/service.rs's send_email.
func (s *Service) Handle(ctx context.Context, msg domain.ZMQSendEmailMessage) error {
	var email domain.EmailWithRecipients
	var err error

	switch {
	case msg.RetryEmail != nil:
		email, err = s.Repo.GetEmailByID(ctx, msg.RetryEmail.EmailID, msg.RetryEmail.HubID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("smtpsender: email %d not found", msg.RetryEmail.EmailID)
		}
		if err != nil {
			return err
		}
	case msg.NewEmail != nil:
		recipients := make([]domain.NewEmailRecipient, 0, len(msg.NewEmail.Recipients))
		for _, r := range msg.NewEmail.Recipients {
			recipients = append(recipients, domain.NewEmailRecipient{Address: r.Address, Name: r.Name, Fields: r.Fields})
		}
		email, err = s.Repo.CreateEmail(ctx, domain.NewEmail{
			HubID:          msg.NewEmail.HubID,
			Message:        msg.NewEmail.Message,
			Subject:        msg.NewEmail.Subject,
			Attachment:     msg.NewEmail.Attachment,
			AttachmentName: msg.NewEmail.AttachmentName,
			AttachmentMime: msg.NewEmail.AttachmentMime,
			Recipients:     recipients,
		})
		if err != nil {
			return err
		}
	default:
		return errors.New("smtpsender: send-email message has neither NewEmail nor RetryEmail")
	}

	hub, err := s.Repo.GetHubByID(ctx, email.Email.HubID)
	if errors.Is(err, store.ErrNotFound) {
		s.Logger.Error("hub not found, dropping send request", "email_id", email.Email.ID, "hub_id", email.Email.HubID)
		return nil
	}
	if err != nil {
		return err
	}

	s.Logger.Info("sending email", "email_id", email.Email.ID, "hub_id", hub.ID)

	for _, recipient := range email.Recipients {
		if recipient.IsSent {
			s.Logger.Info("skipping already sent recipient", "address", recipient.Address)
			continue
		}

		raw, err := msgbuilder.Build(hub, email.Email, recipient, s.Domain)
		if err != nil {
			s.Logger.Error("failed to build message", "address", recipient.Address, "error", err)
			continue
		}

		if err := s.Mailer.Send(ctx, hub, hub.Sender, []string{recipient.Address}, raw); err != nil {
			s.Logger.Error("failed to send email", "address", recipient.Address, "error", err)
			continue
		}

		s.Logger.Info("email sent", "address", recipient.Address)

		sent := true
		if _, err := s.Repo.UpdateRecipient(ctx, recipient.ID, domain.UpdateRecipient{IsSent: &sent}); err != nil {
			s.Logger.Error("failed to mark recipient sent", "recipient_id", recipient.ID, "error", err)
		}
	}

	s.Logger.Info("finished processing email", "email_id", email.Email.ID)
	return nil
}
