// Package mimeparse extracts the fields the reply monitor needs from
// a raw RFC-822 message: subject, sender, the In-Reply-To-derived
// recipient id, the cleaned reply text, and a best-effort bounce
// recipient for DSN messages. It walks the MIME tree with
// go-message/mail, the same library the teacher uses in
// internal/email/read.go, and falls back to goquery for HTML-to-text
// stripping as SPEC_FULL.md's domain stack calls for.
package mimeparse

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// ParsedEmail is the result of parsing one message.
type ParsedEmail struct {
	Subject         string
	SenderEmail     string
	RecipientID     int64
	HasRecipientID  bool
	Reply           string
	BounceRecipient string
}

// emailRegexp matches an email-shaped token. It backs every bounce
// recipient extraction, including the fallback heuristic for lines
// without a recipient marker. Per SPEC_FULL.md §9 that fallback
// heuristic is intentionally left as-is: it can attribute a bounce to
// the wrong address on unusual DSN formats, and the spec asks that
// this be flagged rather than hardened.
var emailRegexp = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

// Parse parses raw RFC-822 bytes, using domain to resolve which
// In-Reply-To tokens refer to this deployment's own Message-IDs.
func Parse(raw []byte, domain string) (ParsedEmail, error) {
	reader, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return ParsedEmail{}, fmt.Errorf("parse message: %w", err)
	}

	var out ParsedEmail
	out.Subject, _ = reader.Header.Subject()
	out.SenderEmail = extractSenderEmail(reader.Header)
	out.RecipientID, out.HasRecipientID = extractRecipientID(reader.Header, domain)

	var plainBody, htmlBody string
	var foundPlain, foundHTML bool
	var bounceRecipient string

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			if isAttachmentHeader(h) {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch strings.ToLower(ctype) {
			case "text/plain":
				if !foundPlain {
					plainBody = string(body)
					foundPlain = true
				}
			case "text/html":
				if !foundHTML {
					htmlBody = string(body)
					foundHTML = true
				}
			case "message/delivery-status":
				if bounceRecipient == "" {
					if rcpt := bounceFromStatus(string(body)); rcpt != "" {
						bounceRecipient = rcpt
					}
				}
			}
		case *mail.AttachmentHeader:
			continue
		}
	}

	if foundPlain {
		cleaned := extractReplyText(plainBody)
		if cleaned != "" {
			out.Reply = cleaned
		}
	}
	if out.Reply == "" && foundHTML {
		cleaned := extractReplyText(stripHTMLTags(htmlBody))
		if cleaned != "" {
			out.Reply = cleaned
		}
	}

	if bounceRecipient == "" && foundPlain {
		bounceRecipient = bounceFromText(plainBody)
	}
	if bounceRecipient == "" && foundHTML {
		bounceRecipient = bounceFromText(stripHTMLTags(htmlBody))
	}
	out.BounceRecipient = bounceRecipient

	return out, nil
}

func isAttachmentHeader(h *mail.InlineHeader) bool {
	disp := h.Get("Content-Disposition")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(disp)), "attachment")
}

// extractSenderEmail prefers the Sender header, falling back to From.
// Group addresses resolve to their first member.
func extractSenderEmail(h mail.Header) string {
	for _, field := range []string{"Sender", "From"} {
		addrs, err := h.AddressList(field)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return addrs[0].Address
	}
	return ""
}

// extractRecipientID parses In-Reply-To, returning the first
// "<id@domain>" token whose domain matches and whose id is numeric.
func extractRecipientID(h mail.Header, domain string) (int64, bool) {
	raw := h.Get("In-Reply-To")
	if raw == "" {
		return 0, false
	}
	for _, segment := range strings.Split(raw, "<") {
		idx := strings.Index(segment, ">")
		if idx < 0 {
			continue
		}
		candidate := segment[:idx]
		at := strings.LastIndex(candidate, "@")
		if at < 0 {
			continue
		}
		id, msgDomain := candidate[:at], candidate[at+1:]
		if msgDomain != domain {
			continue
		}
		if value, err := strconv.ParseInt(id, 10, 64); err == nil && value >= 0 {
			return value, true
		}
	}
	return 0, false
}

func isOriginalMessageMarker(lower string) bool {
	return strings.Contains(lower, "original message") ||
		strings.Contains(lower, "пересылаемое сообщение") ||
		strings.Contains(lower, "исходное сообщение")
}

func isQuotedHeaderBlock(lower string) bool {
	prefixes := []string{"from:", "от кого:", "subject:", "тема:", "to:", "кому:", "date:", "дата:"}
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// extractReplyText implements the 7-step reply-cleaning algorithm
// from SPEC_FULL.md §4.1.
func extractReplyText(input string) string {
	normalized := strings.ReplaceAll(input, "\r", "")
	var resultLines []string

	for _, line := range strings.Split(normalized, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(resultLines) > 0 {
				resultLines = append(resultLines, "")
			}
			continue
		}

		lower := strings.ToLower(trimmed)
		isGmailSep := strings.HasPrefix(lower, "on ") && strings.HasSuffix(lower, " wrote:")
		isOriginal := isOriginalMessageMarker(lower)
		isHeaderBlock := isQuotedHeaderBlock(lower)

		if isGmailSep || isOriginal {
			break
		}
		if isHeaderBlock && len(resultLines) > 0 {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		resultLines = append(resultLines, trimmed)
	}

	reply := strings.TrimSpace(strings.Join(resultLines, "\n"))
	if reply != "" {
		return reply
	}

	for _, para := range strings.Split(normalized, "\n\n") {
		var kept []string
		for _, l := range strings.Split(para, "\n") {
			if strings.HasPrefix(strings.TrimSpace(l), ">") {
				continue
			}
			kept = append(kept, l)
		}
		p := strings.TrimSpace(strings.Join(kept, "\n"))
		if p != "" {
			return p
		}
	}
	return ""
}

// blockElements are rendered on their own line, the way a browser (and
// html2text) would, so that reply-cleaning can still recognize
// Gmail-style separators and quoted-header blocks line by line.
var blockElements = map[string]bool{
	"div": true, "p": true, "blockquote": true, "li": true,
	"tr": true, "table": true, "br": true, "hr": true,
}

// stripHTMLTags renders HTML as plain text via goquery, inserting line
// breaks around block-level elements, and normalizes non-breaking
// spaces to regular spaces, per SPEC_FULL.md §9.
func stripHTMLTags(input string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
	if err != nil {
		return input
	}

	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, node *goquery.Selection) {
			if goquery.NodeName(node) == "#text" {
				b.WriteString(node.Text())
				return
			}
			block := blockElements[goquery.NodeName(node)]
			if block {
				b.WriteString("\n")
			}
			walk(node)
			if block {
				b.WriteString("\n")
			}
		})
	}
	walk(doc.Selection)

	text := strings.ReplaceAll(b.String(), " ", " ")
	return strings.TrimSpace(collapseBlankLines(text))
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func bounceFromStatus(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "final-recipient") || strings.HasPrefix(lower, "original-recipient") {
			if idx := strings.Index(line, ";"); idx >= 0 {
				if email := extractEmailAddress(line[idx+1:]); email != "" {
					return email
				}
			} else if email := extractEmailAddress(line); email != "" {
				return email
			}
		}
	}
	return ""
}

func bounceFromText(body string) string {
	var fallback string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		email := extractEmailAddress(line)
		if email == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "final-recipient") ||
			strings.Contains(lower, "original-recipient") ||
			strings.Contains(lower, "for <") ||
			strings.Contains(lower, "for ") ||
			strings.Contains(lower, "recipient:") {
			return email
		}
		if fallback == "" && !strings.Contains(lower, "mailer-daemon") {
			fallback = email
		}
	}
	return fallback
}

func extractEmailAddress(s string) string {
	return emailRegexp.FindString(s)
}
