// Package sasl builds the SASL initial-response bytes sent to the
// upstream IMAP server during AUTHENTICATE, dispatching on the
// provider's configured mechanism.
package sasl

import (
	"fmt"

	gosasl "github.com/emersion/go-sasl"

	"github.com/legionus/oauth2imap/internal/provider"
)

// ErrUnsupportedMechanism is returned for any sasl-method value other
// than XOAUTH2 or OAUTHBEARER.
var ErrUnsupportedMechanism = fmt.Errorf("unsupported sasl mechanism")

// xoauth2Client implements the XOAUTH2 mechanism as a gosasl.Client.
// go-sasl ships OAUTHBEARER but not Google/Microsoft's older XOAUTH2
// framing, so the client side is implemented here.
type xoauth2Client struct {
	username    string
	accessToken string
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

// Next handles the server challenge after a rejected XOAUTH2 exchange:
// the server sends its JSON error status as a challenge and expects an
// empty response acknowledging it.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}

// InitialResponse builds the mechanism name and the first client
// message for authenticating username with accessToken against p's
// configured SASL mechanism (provider.KeySASLMethod).
func InitialResponse(p provider.Provider, username, accessToken string) (mech string, initial []byte, err error) {
	switch p[provider.KeySASLMethod] {
	case provider.SASLXOAuth2:
		client := &xoauth2Client{username: username, accessToken: accessToken}
		return client.Start()

	case provider.SASLOAuthBearer:
		client := gosasl.NewOAuthBearerClient(&gosasl.OAuthBearerOptions{
			Username: username,
			Token:    accessToken,
			Host:     p[provider.KeyIMAPEndpoint],
			Port:     imapsPort,
		})
		return client.Start()

	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedMechanism, p[provider.KeySASLMethod])
	}
}

// imapsPort is the well-known IMAPS port used to populate the
// OAUTHBEARER GS2 host/port binding; the gateway always connects
// upstream over TLS.
const imapsPort = 993
