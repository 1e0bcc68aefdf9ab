package remote

import (
	"errors"

	"github.com/emersion/go-sasl"
	"github.com/mailroom/mailroom/lib"
)

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Outlook and
// Gmail for bearer-token IMAP authentication.
type xoauth2Client struct {
	username string
	token    string
	done     bool
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(lib.XOAuth2String(a.username, a.token)), nil
}

// Next handles the error challenge some servers send after a rejected token
// (a base64 JSON blob). Replying with an empty response lets the server
// finish the exchange with its final NO.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if a.done {
		return nil, errors.New("unexpected challenge during XOAUTH2 exchange")
	}
	a.done = true
	return []byte{}, nil
}
