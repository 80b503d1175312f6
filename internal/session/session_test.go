package session

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/auth"
	"github.com/legionus/oauth2imap/internal/provider"
)

// scriptedUpstream serves a fixed upstream script over a net.Pipe: a
// CAPABILITY exchange, then an AUTHENTICATE exchange, then one relayed
// command answered with the extra script lines. net.Pipe is fully
// synchronous, so every write here happens only after the engine's
// matching command has been read (the greeting is already consumed by
// DialUpstream in production, so none is sent here).
func scriptedUpstream(t *testing.T, conn net.Conn, script []string) {
	t.Helper()
	go func() {
		w := bufio.NewWriter(conn)
		r := bufio.NewReader(conn)

		write := func(s string) {
			w.WriteString(s + crlf)
			w.Flush()
		}

		// CAPABILITY
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		write("* CAPABILITY IMAP4rev1 AUTH=XOAUTH2 IDLE")
		write("U0001 OK CAPABILITY completed")

		// AUTHENTICATE
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		write("U0002 OK AUTHENTICATE completed")

		if len(script) == 0 {
			return
		}

		// One relayed command, answered with the scripted lines.
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		for _, line := range script {
			write(line)
		}
	}()
}

func testLogger() *zap.Logger { return zap.NewNop() }

func newTestSession(t *testing.T, upScript []string) (*Session, net.Conn) {
	t.Helper()

	upClient, upServer := net.Pipe()
	scriptedUpstream(t, upServer, upScript)

	downClient, downServer := net.Pipe()

	up := newUpstream(upClient, testLogger())
	down := NewNetEndpoint(downServer)

	p := provider.Provider{
		provider.KeySASLMethod: provider.SASLXOAuth2,
		provider.KeyUsername:   "alice@example.com",
	}

	s := New(down, up, p, auth.Authenticator{Username: "alice", Password: "s3cret"}, testLogger())
	s.TokenFunc = func(ctx context.Context) (string, error) { return "access-token", nil }

	return s, downClient
}

func TestSessionGreetingAfterUpstreamAuth(t *testing.T) {
	s, downClient := newTestSession(t, nil)
	defer downClient.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	downClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(downClient)
	greeting, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "* OK IMAP4rev1 Service Ready") {
		t.Errorf("unexpected greeting: %q", greeting)
	}

	downClient.Close()
	<-done
}

func TestSessionCapabilityPreAuth(t *testing.T) {
	s, downClient := newTestSession(t, nil)
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil { // greeting
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("A001 CAPABILITY\r\n"))

	caps, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read capability line: %v", err)
	}
	if caps != "* CAPABILITY IMAP4rev1 AUTH=CRAM-MD5 AUTH=PLAIN IDLE\r\n" {
		t.Errorf("unexpected capability line: %q", caps)
	}

	tagged, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read tagged response: %v", err)
	}
	if !strings.HasPrefix(tagged, "A001 OK") {
		t.Errorf("unexpected tagged response: %q", tagged)
	}
}

func TestSessionLoginSuccessAndRelay(t *testing.T) {
	s, downClient := newTestSession(t, []string{
		`* LIST () "/" INBOX`,
		`* LIST () "/" Sent`,
		"A010 OK LIST completed",
	})
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("A002 LOGIN alice s3cret\r\n"))
	loginResp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read login response: %v", err)
	}
	if !strings.HasPrefix(loginResp, "A002 OK") {
		t.Fatalf("expected login success, got %q", loginResp)
	}

	downClient.Write([]byte(`A010 LIST "" "*"` + "\r\n"))

	var lines []string
	for i := 0; i < 3; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read relay line %d: %v", i, err)
		}
		lines = append(lines, line)
	}
	if !strings.Contains(lines[0], "INBOX") || !strings.Contains(lines[1], "Sent") || !strings.HasPrefix(lines[2], "A010 OK") {
		t.Errorf("unexpected relay lines: %v", lines)
	}
}

func TestSessionAuthenticateCRAMMD5(t *testing.T) {
	s, downClient := newTestSession(t, nil)
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("A005 AUTHENTICATE CRAM-MD5\r\n"))

	cont, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read continuation: %v", err)
	}
	if !strings.HasPrefix(cont, "+ ") {
		t.Fatalf("expected continuation request, got %q", cont)
	}

	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cont[2:]))
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	mac := hmac.New(md5.New, []byte("s3cret"))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	response := base64.StdEncoding.EncodeToString([]byte("alice " + digest))

	downClient.Write([]byte(response + "\r\n"))

	tagged, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read tagged response: %v", err)
	}
	if !strings.HasPrefix(tagged, "A005 OK CRAM-MD5 authentication successful") {
		t.Errorf("unexpected response: %q", tagged)
	}
}

func TestSessionLogoutEndsSession(t *testing.T) {
	s, downClient := newTestSession(t, []string{
		"* BYE logging out",
		"A020 OK LOGOUT completed",
	})
	defer downClient.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("A002 LOGIN alice s3cret\r\n"))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read login response: %v", err)
	}

	downClient.Write([]byte("A020 LOGOUT\r\n"))

	bye, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read BYE: %v", err)
	}
	if !strings.HasPrefix(bye, "* BYE") {
		t.Errorf("expected BYE, got %q", bye)
	}
	tagged, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read tagged response: %v", err)
	}
	if !strings.HasPrefix(tagged, "A020 OK") {
		t.Errorf("expected tagged OK, got %q", tagged)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean session end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after LOGOUT")
	}
}

func TestSessionPreAuthUnknownCommandForwarded(t *testing.T) {
	s, downClient := newTestSession(t, []string{"A004 OK NOOP completed"})
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	// Not CAPABILITY/AUTHENTICATE/LOGIN: relayed upstream even though
	// the downstream has not authenticated locally yet.
	downClient.Write([]byte("A004 NOOP\r\n"))
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.HasPrefix(resp, "A004 OK") {
		t.Errorf("expected forwarded upstream response, got %q", resp)
	}
}

func TestSessionSkipsEmptyClientLines(t *testing.T) {
	s, downClient := newTestSession(t, nil)
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("\r\n"))
	downClient.Write([]byte("A001 CAPABILITY\r\n"))

	caps, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read capability line: %v", err)
	}
	if !strings.HasPrefix(caps, "* CAPABILITY IMAP4rev1") {
		t.Errorf("empty line was not skipped, got %q", caps)
	}
}

func TestSessionLoginFailure(t *testing.T) {
	s, downClient := newTestSession(t, nil)
	defer downClient.Close()

	go s.Run(context.Background())

	r := bufio.NewReader(downClient)
	downClient.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	downClient.Write([]byte("A003 LOGIN alice wrongpass\r\n"))
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.HasPrefix(resp, "A003 NO") {
		t.Errorf("expected NO response, got %q", resp)
	}
}
