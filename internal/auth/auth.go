// Package auth implements the downstream authenticator: the gateway's
// own client-facing credential check, independent of the upstream
// OAuth2 token. Two mechanisms are supported, CRAM-MD5 and a
// simplified PLAIN, both checked against a single shared username and
// password configured for the gateway.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by the CRAM-MD5 mechanism definition
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

// Authenticator holds the one shared username/password the gateway
// checks downstream credentials against.
type Authenticator struct {
	Username string
	Password string
}

// NewChallenge builds a fresh CRAM-MD5 challenge string, unique per
// call: <pid.nanos.rand32@oauth2imap>, matching the format every
// CRAM-MD5 client expects to echo back in its HMAC.
func NewChallenge() string {
	rnd, err := rand.Int(rand.Reader, big.NewInt(1<<32-1))
	if err != nil {
		rnd = big.NewInt(0)
	}
	return fmt.Sprintf("<%d.%d.%d@oauth2imap>", os.Getpid(), time.Now().UnixNano(), rnd.Int64())
}

// VerifyCRAMMD5 checks a base64-decoded CRAM-MD5 response ("user
// hexdigest") against the challenge that was sent. Both the username
// and the digest are compared in constant time.
func (a Authenticator) VerifyCRAMMD5(challenge, response string) (bool, string) {
	fields := strings.Split(response, " ")
	if len(fields) != 2 {
		return false, "wrong number of fields in the token"
	}

	mac := hmac.New(md5.New, []byte(a.Password))
	mac.Write([]byte(challenge))
	want := hex.EncodeToString(mac.Sum(nil))

	userOK := subtle.ConstantTimeCompare([]byte(a.Username), []byte(fields[0])) == 1
	digestOK := subtle.ConstantTimeCompare([]byte(want), []byte(fields[1])) == 1

	if userOK && digestOK {
		return true, "authentication successful"
	}
	return false, "authenticate failure"
}

// VerifyPLAIN checks a "user password" space-separated credential pair.
// This intentionally does not decode full RFC 4616
// authzid\x00authcid\x00passwd triples: the gateway's PLAIN mechanism
// is a simplified local convention, since the downstream side is a
// single shared secret rather than a credential store.
func (a Authenticator) VerifyPLAIN(arg string) (bool, string) {
	given := strings.SplitN(arg, " ", 2)
	if len(given) != 2 {
		return false, "wrong number of fields in the token"
	}

	known := [2]string{a.Username, a.Password}
	valid := 0
	for i, want := range known {
		if constantTimeHashEqual(want, given[i]) {
			valid++
		}
	}

	if valid == len(known) {
		return true, "authentication successful"
	}
	return false, "authenticate failure"
}

func constantTimeHashEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
