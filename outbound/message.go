package outbound

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/mailroom/mailroom/remote"
)

// Attachment is one file to attach. Content is base64-encoded, the same
// shape attachments arrive in from the session layer.
type Attachment struct {
	Filename    string
	ContentType string
	Content     string
}

// Message is everything needed to compose one outgoing email.
type Message struct {
	From        remote.Address
	To          []remote.Address
	Cc          []remote.Address
	Bcc         []remote.Address
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// recipients returns every delivery target. Bcc addresses are delivered but
// never written into the message headers.
func (m *Message) recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, group := range [][]remote.Address{m.To, m.Cc, m.Bcc} {
		for _, addr := range group {
			all = append(all, addr.Address)
		}
	}
	return all
}

func mailAddresses(addresses []remote.Address) []*mail.Address {
	converted := make([]*mail.Address, 0, len(addresses))
	for _, addr := range addresses {
		converted = append(converted, &mail.Address{Name: addr.Name, Address: addr.Address})
	}
	return converted
}

// compose renders the message to wire format and returns it together with
// the generated message id, so the caller can thread replies to it later.
func (m *Message) compose(now time.Time) ([]byte, string, error) {
	var header mail.Header
	header.SetDate(now)
	header.SetSubject(m.Subject)
	header.SetAddressList("From", mailAddresses([]remote.Address{m.From}))
	if len(m.To) > 0 {
		header.SetAddressList("To", mailAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		header.SetAddressList("Cc", mailAddresses(m.Cc))
	}
	if m.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{m.InReplyTo})
	}
	if len(m.References) > 0 {
		header.SetMsgIDList("References", m.References)
	}
	if err := header.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("cannot generate message id: %w", err)
	}
	messageID, err := header.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("cannot read back message id: %w", err)
	}

	buffer := &bytes.Buffer{}
	writer, err := mail.CreateWriter(buffer, header)
	if err != nil {
		return nil, "", fmt.Errorf("cannot create message writer: %w", err)
	}

	if err := m.writeBodies(writer); err != nil {
		return nil, "", err
	}
	for _, attachment := range m.Attachments {
		if err := writeAttachment(writer, attachment); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("cannot finish message: %w", err)
	}
	return buffer.Bytes(), messageID, nil
}

func (m *Message) writeBodies(writer *mail.Writer) error {
	if m.Text == "" && m.HTML == "" {
		return nil
	}
	inline, err := writer.CreateInline()
	if err != nil {
		return fmt.Errorf("cannot create message body: %w", err)
	}
	if m.Text != "" {
		if err := writeBodyPart(inline, "text/plain", m.Text); err != nil {
			return err
		}
	}
	if m.HTML != "" {
		if err := writeBodyPart(inline, "text/html", m.HTML); err != nil {
			return err
		}
	}
	return inline.Close()
}

func writeBodyPart(inline *mail.InlineWriter, contentType, content string) error {
	var header mail.InlineHeader
	header.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := inline.CreatePart(header)
	if err != nil {
		return fmt.Errorf("cannot create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("cannot write %s part: %w", contentType, err)
	}
	return part.Close()
}

func writeAttachment(writer *mail.Writer, attachment Attachment) error {
	content, err := base64.StdEncoding.DecodeString(attachment.Content)
	if err != nil {
		return fmt.Errorf("attachment %q is not valid base64: %w", attachment.Filename, err)
	}
	var header mail.AttachmentHeader
	header.SetFilename(attachment.Filename)
	if attachment.ContentType != "" {
		header.SetContentType(attachment.ContentType, nil)
	}
	part, err := writer.CreateAttachment(header)
	if err != nil {
		return fmt.Errorf("cannot create attachment %q: %w", attachment.Filename, err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("cannot write attachment %q: %w", attachment.Filename, err)
	}
	return part.Close()
}
