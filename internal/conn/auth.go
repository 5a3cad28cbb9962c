package conn

import (
	"errors"
	"net/url"
)

// ErrNoCredentials is returned by Connect when neither a long token nor a user id is set.
var ErrNoCredentials = errors.New("no usable credentials")

// longTokenLen is the shortest token the backend accepts over the socket.
// Shorter tokens do not authenticate there, so the user id is sent instead.
// This mirrors backend behavior and is not a validation rule of ours.
const longTokenLen = 40

// Credentials identify the current user for the socket handshake.
type Credentials struct {
	UserID string
	Token  string
}

// Query returns the handshake query parameters: token for long tokens,
// user_id otherwise.
func (c Credentials) Query() (url.Values, error) {
	v := url.Values{}
	switch {
	case len(c.Token) >= longTokenLen:
		v.Set("token", c.Token)
	case c.UserID != "":
		v.Set("user_id", c.UserID)
	default:
		return nil, ErrNoCredentials
	}
	return v, nil
}

// Valid reports whether Query would succeed.
func (c Credentials) Valid() bool {
	_, err := c.Query()
	return err == nil
}

// endpoint appends the handshake query to base, keeping any query base already has.
func endpoint(base string, c Credentials) (string, error) {
	q, err := c.Query()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	merged := u.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}
