package lib

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// XOAuth2String builds the initial SASL XOAUTH2 response for the given
// user and bearer access token, as expected by both IMAP and SMTP servers.
func XOAuth2String(username, accessToken string) string {
	return fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, accessToken)
}

// RandomHex returns n random bytes encoded as a hexadecimal string.
func RandomHex(n int) string {
	data := make([]byte, n)
	_, _ = rand.Read(data)
	return hex.EncodeToString(data)
}
