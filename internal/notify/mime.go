package notify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
)

const qrContentID = "qr-code"

type message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	QR      []byte
	QRName  string
}

// build renders a multipart/related message: an alternative text/html part
// followed by the inline QR image referenced as cid:qr-code.
func (m message) build() ([]byte, error) {
	if err := checkAddress("From", m.From); err != nil {
		return nil, err
	}
	if err := checkAddress("To", m.To); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	related := multipart.NewWriter(&buf)

	var head bytes.Buffer
	fmt.Fprintf(&head, "From: %s\r\n", m.From)
	fmt.Fprintf(&head, "To: %s\r\n", m.To)
	fmt.Fprintf(&head, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	head.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&head, "Content-Type: multipart/related; boundary=%q\r\n\r\n", related.Boundary())

	var altBuf bytes.Buffer
	alt := multipart.NewWriter(&altBuf)
	if err := writeText(alt, "text/plain", m.Text); err != nil {
		return nil, err
	}
	if err := writeText(alt, "text/html", m.HTML); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, fmt.Errorf("close alternative: %w", err)
	}

	altPart, err := related.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())},
	})
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}
	if _, err := altPart.Write(altBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("write alternative part: %w", err)
	}

	img, err := related.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"image/png"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-ID":                {"<" + qrContentID + ">"},
		"Content-Disposition":       {fmt.Sprintf("inline; filename=%q", m.QRName)},
	})
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := img.Write(wrapBase64(m.QR)); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if err := related.Close(); err != nil {
		return nil, fmt.Errorf("close related: %w", err)
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

// checkAddress rejects values that would break out of their header line.
func checkAddress(header, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s contains a line break", ErrInvalidAddress, header)
	}
	if _, err := mail.ParseAddress(value); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidAddress, header, value, err)
	}
	return nil
}

func writeText(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := part.Write(wrapBase64([]byte(body))); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return nil
}

// wrapBase64 encodes data in 76-column lines.
func wrapBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
	return []byte(b.String())
}
