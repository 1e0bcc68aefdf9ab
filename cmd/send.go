package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/outbound"
	"github.com/mailroom/mailroom/remote"
	"github.com/mailroom/mailroom/term"
)

var sendCmd = &cobra.Command{
	Use:   "send <account>",
	Short: "Send a message through the account's submission server",
	RunE:  runSend,
}

var sendFlags struct {
	to          []string
	cc          []string
	bcc         []string
	subject     string
	text        string
	html        string
	inReplyTo   string
	attachments []string
}

func init() {
	flag := sendCmd.Flags()
	flag.StringSliceVar(&sendFlags.to, "to", nil, "recipient, can be repeated")
	flag.StringSliceVar(&sendFlags.cc, "cc", nil, "carbon copy recipient, can be repeated")
	flag.StringSliceVar(&sendFlags.bcc, "bcc", nil, "blind carbon copy recipient, can be repeated")
	flag.StringVar(&sendFlags.subject, "subject", "", "message subject")
	flag.StringVar(&sendFlags.text, "text", "", "plain text body")
	flag.StringVar(&sendFlags.html, "html", "", "HTML body")
	flag.StringVar(&sendFlags.inReplyTo, "in-reply-to", "", "message id this message replies to")
	flag.StringSliceVar(&sendFlags.attachments, "attach", nil, "file to attach, can be repeated")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing account name")
	}
	accountName := args[0]

	msg := &outbound.Message{
		To:        toAddresses(sendFlags.to),
		Cc:        toAddresses(sendFlags.cc),
		Bcc:       toAddresses(sendFlags.bcc),
		Subject:   sendFlags.subject,
		Text:      sendFlags.text,
		HTML:      sendFlags.html,
		InReplyTo: sendFlags.inReplyTo,
	}
	for _, fileName := range sendFlags.attachments {
		attachment, err := loadAttachment(fileName)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, attachment)
	}

	messageID, err := getService().SendMessage(context.Background(), accountName, msg)
	if err != nil {
		return err
	}
	term.Infof("message sent as %s", messageID)
	return nil
}

func toAddresses(raw []string) []remote.Address {
	addresses := make([]remote.Address, len(raw))
	for i, address := range raw {
		addresses[i] = remote.Address{Address: address}
	}
	return addresses
}

func loadAttachment(fileName string) (outbound.Attachment, error) {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return outbound.Attachment{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return outbound.Attachment{
		Filename:    filepath.Base(fileName),
		ContentType: contentType,
		Content:     base64.StdEncoding.EncodeToString(content),
	}, nil
}
