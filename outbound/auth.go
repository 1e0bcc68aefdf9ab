package outbound

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/mailroom/mailroom/lib"
)

// xoauth2Auth implements the XOAUTH2 mechanism over net/smtp. On rejection
// the server sends one more challenge carrying a JSON error; the client
// answers it with an empty line to collect the final error response.
type xoauth2Auth struct {
	username    string
	accessToken string
	challenged  bool
}

func XOAuth2Auth(username, accessToken string) smtp.Auth {
	return &xoauth2Auth{username: username, accessToken: accessToken}
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte(lib.XOAuth2String(a.username, a.accessToken)), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	if a.challenged {
		return nil, fmt.Errorf("authentication rejected: %s", string(fromServer))
	}
	a.challenged = true
	return []byte{}, nil
}

// loginAuth implements the LOGIN mechanism for servers that do not
// advertise PLAIN.
type loginAuth struct {
	username string
	password string
}

func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.TrimSpace(string(fromServer)) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, errors.New("unexpected server challenge")
	}
}
