package mailparse

import (
	"errors"
	"strings"
	"testing"
)

const multipartMessage = "From: Maria Lopez <maria@cliente.com>\r\n" +
	"To: admin@ethos.com.ec, copia@ethos.com.ec\r\n" +
	"Subject: Re: Consulta alicuotas\r\n" +
	"Date: Tue, 10 Jun 2025 12:00:00 +0000\r\n" +
	"Message-ID: <msg-1@cliente.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hola, adjunto la factura del mes.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"factura.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--BOUNDARY--\r\n"

func TestParse_ExtractsHeadersAndBody(t *testing.T) {
	parsed, err := Parse([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}

	if parsed.From != "maria@cliente.com" {
		t.Errorf("From = %q, want maria@cliente.com", parsed.From)
	}
	// Address lists resolve to their first entry.
	if parsed.To != "admin@ethos.com.ec" {
		t.Errorf("To = %q, want admin@ethos.com.ec", parsed.To)
	}
	if parsed.Subject != "Re: Consulta alicuotas" {
		t.Errorf("Subject = %q", parsed.Subject)
	}
	if parsed.MessageID != "msg-1@cliente.com" {
		t.Errorf("MessageID = %q", parsed.MessageID)
	}
	if parsed.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
	if !strings.Contains(parsed.BodyText, "adjunto la factura") {
		t.Errorf("BodyText = %q", parsed.BodyText)
	}
	if parsed.Preview == "" {
		t.Error("Preview is empty")
	}
}

func TestParse_AttachmentMetadataOnly(t *testing.T) {
	parsed, err := Parse([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}

	if len(parsed.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(parsed.Attachments))
	}
	att := parsed.Attachments[0]
	if att.Filename != "factura.pdf" {
		t.Errorf("Filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q", att.ContentType)
	}
	// "JVBERi0xLjQK" decodes to "%PDF-1.4\n".
	if att.Size != 9 {
		t.Errorf("Size = %d, want 9", att.Size)
	}
}

func TestParse_MissingSubjectDefaults(t *testing.T) {
	msg := "From: a@b.com\r\nTo: c@d.com\r\n" +
		"Content-Type: text/plain\r\n\r\nbody\r\n"
	parsed, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if parsed.Subject != "(no subject)" {
		t.Errorf("Subject = %q, want (no subject)", parsed.Subject)
	}
}

func TestParse_HTMLOnlyBodyIsStripped(t *testing.T) {
	msg := "From: a@b.com\r\nSubject: Informe\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" +
		"<html><head><style>p{}</style></head>" +
		"<body><p>Saldo <b>pendiente</b></p></body></html>\r\n"
	parsed, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if !strings.Contains(parsed.BodyText, "Saldo pendiente") {
		t.Errorf("BodyText = %q, want stripped HTML text", parsed.BodyText)
	}
	if strings.Contains(parsed.BodyText, "<") {
		t.Errorf("BodyText = %q still contains markup", parsed.BodyText)
	}
}

func TestParse_MalformedInputIsErrParse(t *testing.T) {
	if _, err := Parse([]byte("\x00\x01 not a message")); !errors.Is(err, ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}

func TestIsReply(t *testing.T) {
	cases := []struct {
		subject string
		want    bool
	}{
		{"Re: pago", true},
		{"RE: pago", true},
		{"  re: pago", true},
		{"pago", false},
		{"regalo", false},
	}
	for _, c := range cases {
		if got := IsReply(c.subject); got != c.want {
			t.Errorf("IsReply(%q) = %v, want %v", c.subject, got, c.want)
		}
	}
}
