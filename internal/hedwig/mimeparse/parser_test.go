package mimeparse

import "testing"

const testDomain = "example.com"

func parse(t *testing.T, raw string) ParsedEmail {
	t.Helper()
	p, err := Parse([]byte(raw), testDomain)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func TestParsesPlainTextReply(t *testing.T) {
	raw := "Subject: Re: Hello\r\nFrom: Sender <sender@example.com>\r\nIn-Reply-To: <42@example.com>\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\nThanks!\r\n"
	p := parse(t, raw)

	if p.Subject != "Re: Hello" {
		t.Errorf("subject = %q, want %q", p.Subject, "Re: Hello")
	}
	if p.SenderEmail != "sender@example.com" {
		t.Errorf("sender = %q, want %q", p.SenderEmail, "sender@example.com")
	}
	if !p.HasRecipientID || p.RecipientID != 42 {
		t.Errorf("recipient id = %v/%v, want 42/true", p.RecipientID, p.HasRecipientID)
	}
	if p.Reply != "Thanks!" {
		t.Errorf("reply = %q, want %q", p.Reply, "Thanks!")
	}
	if p.BounceRecipient != "" {
		t.Errorf("bounce recipient should be empty, got %q", p.BounceRecipient)
	}
}

func TestPrefersSenderHeaderForEmailExtraction(t *testing.T) {
	raw := "Subject: Hi\r\nSender: sender@example.com\r\nFrom: other@example.com\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\nHello\r\n"
	p := parse(t, raw)
	if p.SenderEmail != "sender@example.com" {
		t.Errorf("sender = %q, want %q", p.SenderEmail, "sender@example.com")
	}
}

func TestDecodesBase64HTMLReply(t *testing.T) {
	raw := "Subject: Hi\r\nFrom: Sender <sender@example.com>\r\nContent-Type: text/html; charset=\"utf-8\"\r\nContent-Transfer-Encoding: base64\r\n\r\nPGRpdj5UaGFua3MhPC9kaXY+"
	p := parse(t, raw)
	if p.Reply != "Thanks!" {
		t.Errorf("reply = %q, want %q", p.Reply, "Thanks!")
	}
}

func TestIgnoresQuotedLinesAndSeparators(t *testing.T) {
	raw := "Subject: Re\r\nFrom: Sender <sender@example.com>\r\nContent-Type: text/html; charset=\"utf-8\"\r\n\r\n<div>Thanks!</div><div><br></div><div>&gt; quoted</div><div>On Tue, Someone wrote:</div><blockquote><div>Original</div></blockquote>"
	p := parse(t, raw)
	if p.Reply != "Thanks!" {
		t.Errorf("reply = %q, want %q", p.Reply, "Thanks!")
	}
}

func TestExtractsBounceRecipientFromDeliveryStatus(t *testing.T) {
	raw := "Subject: Undelivered\r\nFrom: Mailer <mailer@example.com>\r\nContent-Type: multipart/report; boundary=\"BOUNDARY\"\r\n\r\n--BOUNDARY\r\nContent-Type: message/delivery-status\r\n\r\nFinal-Recipient: rfc822; bounced@example.com\r\n--BOUNDARY--\r\n"
	p := parse(t, raw)
	if p.BounceRecipient != "bounced@example.com" {
		t.Errorf("bounce recipient = %q, want %q", p.BounceRecipient, "bounced@example.com")
	}
}

func TestExtractsRecipientIDFromInReplyTo(t *testing.T) {
	raw := "Subject: Hi\r\nFrom: Sender <sender@example.com>\r\nIn-Reply-To: <24@example.com>\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\nHi\r\n"
	p := parse(t, raw)
	if !p.HasRecipientID || p.RecipientID != 24 {
		t.Errorf("recipient id = %v/%v, want 24/true", p.RecipientID, p.HasRecipientID)
	}
}

func TestRecipientIDDomainMismatchIsIgnored(t *testing.T) {
	raw := "Subject: Hi\r\nFrom: Sender <sender@example.com>\r\nIn-Reply-To: <24@other.com>\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\nHi\r\n"
	p := parse(t, raw)
	if p.HasRecipientID {
		t.Errorf("recipient id should be absent for a mismatched domain, got %v", p.RecipientID)
	}
}

func TestStripHTMLTagsRemovesTagsAndHandlesMalformedHTML(t *testing.T) {
	if got := stripHTMLTags("<div><p>Hello</p></div>"); got != "Hello" {
		t.Errorf("strip = %q, want %q", got, "Hello")
	}
	if got := stripHTMLTags("<div><p>Hello"); got != "Hello" {
		t.Errorf("strip of malformed html = %q, want %q", got, "Hello")
	}
}

func TestStripHTMLTagsHandlesEmptyInput(t *testing.T) {
	if got := stripHTMLTags(""); got != "" {
		t.Errorf("strip of empty input = %q, want empty", got)
	}
}
