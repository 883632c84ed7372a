package imapclient

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 mechanism used by Gmail and Outlook,
// which go-sasl does not ship.
type xoauth2Client struct {
	username string
	token    string
}

func newXoauth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

// Next receives the server's error payload, if any. Responding with an empty
// line makes the server return the final NO so the failure surfaces as a
// normal authentication error.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
