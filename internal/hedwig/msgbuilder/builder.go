// Package msgbuilder renders a recipient's fully addressed SMTP
// message from a hub's template and an email batch, per SPEC_FULL.md
// §4.6. It is grounded on the teacher's internal/email/compose.go for
// the mail.Header/mail.CreateWriter idiom, with markdown rendering
// replaced by the spec's minimal {key} token substitution.
package msgbuilder

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

// tokenRe matches {identifier} placeholders. Unknown identifiers are
// left untouched in the output so operators can spot typos.
var tokenRe = regexp.MustCompile(`\{([\p{L}\p{N}_]+)\}`)

func render(template string, values map[string]string) string {
	return tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if v, ok := values[key]; ok {
			return v
		}
		return tok
	})
}

// Build renders the SMTP message for one recipient of an email batch,
// returning its raw bytes.
func Build(hub domain.Hub, email domain.Email, recipient domain.EmailRecipient, appDomain string) ([]byte, error) {
	inner := render(email.Message, recipient.Fields)

	outerTemplate := hub.EmailTemplate
	if outerTemplate == "" {
		outerTemplate = "{message}"
	}
	if !strings.Contains(outerTemplate, "{message}") {
		outerTemplate += "\n\n{message}"
	}

	unsubscribeURL := hub.UnsubscribeURL()
	body := render(outerTemplate, map[string]string{
		"name":             recipient.Name,
		"unsubscribe_url":  unsubscribeURL,
		"message":          inner,
	})

	body += fmt.Sprintf(`<img height="1" width="1" border="0" src="https://mail.%s/track/%d">`, appDomain, recipient.ID)

	var h mail.Header
	// hub.Sender is the display name, hub.Login the actual mailbox
	// address (the same address smtpsender authenticates with), and
	// both are required in From, not just the one.
	from := &mail.Address{Name: hub.Sender, Address: hub.Login}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := mail.ParseAddress(recipient.Address)
	if err != nil {
		return nil, fmt.Errorf("parse recipient address %q: %w", recipient.Address, err)
	}
	h.SetAddressList("To", []*mail.Address{to})

	subject := email.Subject
	h.SetSubject(subject)
	h.SetMsgIDList("Message-Id", []string{fmt.Sprintf("%d@%s", recipient.ID, appDomain)})
	h.Set("List-Unsubscribe", fmt.Sprintf("<%s>", unsubscribeURL))

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return nil, fmt.Errorf("write plain text part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, body); err != nil {
		return nil, fmt.Errorf("write html part: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}

	if email.HasAttachment() {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", email.AttachmentMime)
		ah.SetFilename(email.AttachmentName)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment: %w", err)
		}
		if _, err := aw.Write(email.Attachment); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}
