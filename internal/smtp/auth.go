package smtp

import (
	"encoding/base64"
)

// authLogin runs the AUTH LOGIN exchange. The encoded credentials are sent
// on their own lines and never appear in returned errors.
func authLogin(c *conn, username, password string) error {
	if _, err := c.expect("AUTH LOGIN", "AUTH LOGIN", 334); err != nil {
		return err
	}

	user := base64.StdEncoding.EncodeToString([]byte(username))
	if _, err := c.expect("AUTH LOGIN username", user, 334); err != nil {
		return err
	}

	pass := base64.StdEncoding.EncodeToString([]byte(password))
	if _, err := c.expect("AUTH LOGIN password", pass, 235); err != nil {
		return err
	}

	return nil
}
