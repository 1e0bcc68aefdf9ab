package remote

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mailroom/mailroom/lib"
)

func init() {
	message.CharsetReader = charset.Reader
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeHeaderText decodes RFC 2047 encoded words, returning the raw text
// when decoding fails.
func decodeHeaderText(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func headerFromMessage(msg *imap.Message) (*EmailHeader, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, errors.New("message has no envelope")
	}
	env := msg.Envelope
	return &EmailHeader{
		UID:            msg.Uid,
		SeqNum:         msg.SeqNum,
		MessageID:      env.MessageId,
		Subject:        decodeHeaderText(env.Subject),
		From:           firstAddress(convertAddresses(env.From)),
		To:             convertAddresses(env.To),
		Cc:             convertAddresses(env.Cc),
		Bcc:            convertAddresses(env.Bcc),
		Date:           env.Date,
		InternalDate:   msg.InternalDate,
		Flags:          msg.Flags,
		Size:           msg.Size,
		HasAttachments: hasAttachments(msg.BodyStructure),
	}, nil
}

func firstAddress(addresses []Address) Address {
	if len(addresses) == 0 {
		return Address{}
	}
	return addresses[0]
}

func convertAddresses(addresses []*imap.Address) []Address {
	if len(addresses) == 0 {
		return nil
	}
	converted := make([]Address, 0, len(addresses))
	for _, addr := range addresses {
		converted = append(converted, Address{
			Name:    decodeHeaderText(addr.PersonalName),
			Address: addr.Address(),
		})
	}
	return converted
}

// hasAttachments walks a body structure looking for parts a user would call
// an attachment. Text parts never count; inline parts only count when they
// carry a filename and are not referenced by content id.
func hasAttachments(structure *imap.BodyStructure) bool {
	if structure == nil {
		return false
	}
	mimeType := strings.ToLower(structure.MIMEType + "/" + structure.MIMESubType)
	if strings.HasPrefix(mimeType, "multipart/") {
		for _, part := range structure.Parts {
			if hasAttachments(part) {
				return true
			}
		}
		return false
	}
	if mimeType == "message/rfc822" {
		return true
	}
	if strings.EqualFold(structure.Disposition, "attachment") {
		return true
	}
	if strings.HasPrefix(mimeType, "text/") {
		return false
	}
	if strings.EqualFold(structure.Disposition, "inline") {
		if structure.Id != "" {
			// embedded image referenced from the HTML body
			return false
		}
		for key := range structure.DispositionParams {
			if strings.EqualFold(key, "filename") {
				return true
			}
		}
		return false
	}
	return true
}

// FetchMessage downloads and parses one full message by UID. The body is
// fetched with peek so reading never flips the seen flag.
func (s *Session) FetchMessage(folder string, uid uint32) (*FullEmail, error) {
	var email *FullEmail
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{
			section.FetchItem(),
			imap.FetchFlags,
			imap.FetchUid,
			imap.FetchInternalDate,
			imap.FetchRFC822Size,
		}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, items, messages)
		}()

		var msg *imap.Message
		for received := range messages {
			msg = received
		}
		if err := <-done; err != nil {
			return fmt.Errorf("cannot fetch uid=%d in %q: %w", uid, folder, err)
		}
		if msg == nil {
			return fmt.Errorf("uid=%d in %q: %w", uid, folder, lib.ErrMessageNotFound)
		}
		body := msg.GetBody(section)
		if body == nil {
			return fmt.Errorf("uid=%d in %q has no body section: %w", uid, folder, lib.ErrMessageNotFound)
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("cannot read body of uid=%d in %q: %w", uid, folder, err)
		}

		parsed, err := ParseMessage(raw)
		if err != nil {
			return fmt.Errorf("cannot parse uid=%d in %q: %w", uid, folder, err)
		}
		parsed.UID = msg.Uid
		parsed.Flags = msg.Flags
		parsed.InternalDate = msg.InternalDate
		parsed.Size = msg.Size
		email = parsed
		return nil
	})
	if err != nil {
		return nil, s.fail(err)
	}
	return email, nil
}

// ParseMessage splits a raw RFC 5322 message into decoded text and HTML
// bodies plus base64-encoded attachments. Inline parts that are neither text
// nor HTML are treated as attachments so nothing silently disappears.
func ParseMessage(raw []byte) (*FullEmail, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	email := &FullEmail{RawSource: base64.StdEncoding.EncodeToString(raw)}
	fillEnvelopeFromHeader(email, &reader.Header)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("broken message part: %w", err)
		}
		if part == nil {
			break
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("cannot read message part: %w", err)
			}
			switch {
			case strings.EqualFold(contentType, "text/plain"):
				email.Text += string(content)
			case strings.EqualFold(contentType, "text/html"):
				email.HTML += string(content)
			default:
				email.Attachments = append(email.Attachments, inlineAttachment(header, content))
			}
		case *mail.AttachmentHeader:
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("cannot read attachment: %w", err)
			}
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			email.Attachments = append(email.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Disposition: "attachment",
				ContentID:   trimContentID(header.Get("Content-Id")),
				Size:        len(content),
				Content:     base64.StdEncoding.EncodeToString(content),
			})
		}
	}

	email.HasAttachments = len(email.Attachments) > 0
	sort.SliceStable(email.Attachments, func(i, j int) bool {
		return email.Attachments[i].Filename < email.Attachments[j].Filename
	})
	return email, nil
}

func inlineAttachment(header *mail.InlineHeader, content []byte) Attachment {
	contentType, params, _ := header.ContentType()
	filename := params["name"]
	if filename == "" {
		_, dispositionParams, _ := header.ContentDisposition()
		filename = dispositionParams["filename"]
	}
	return Attachment{
		Filename:    filename,
		ContentType: contentType,
		Disposition: "inline",
		ContentID:   trimContentID(header.Get("Content-Id")),
		Size:        len(content),
		Content:     base64.StdEncoding.EncodeToString(content),
	}
}

func trimContentID(id string) string {
	return strings.Trim(id, "<>")
}

func fillEnvelopeFromHeader(email *FullEmail, header *mail.Header) {
	if subject, err := header.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := header.Date(); err == nil {
		email.Date = date
	}
	if id, err := header.MessageID(); err == nil {
		email.MessageID = id
	}
	email.From = firstAddress(convertMailAddresses(header, "From"))
	email.To = convertMailAddresses(header, "To")
	email.Cc = convertMailAddresses(header, "Cc")
	email.Bcc = convertMailAddresses(header, "Bcc")
	email.ReplyTo = convertMailAddresses(header, "Reply-To")
	if refs, err := header.MsgIDList("In-Reply-To"); err == nil && len(refs) > 0 {
		email.InReplyTo = refs[0]
	}
}

func convertMailAddresses(header *mail.Header, field string) []Address {
	list, err := header.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	converted := make([]Address, 0, len(list))
	for _, addr := range list {
		converted = append(converted, Address{Name: addr.Name, Address: addr.Address})
	}
	return converted
}
