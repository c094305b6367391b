// Package scram implements the SCRAM mechanism family from RFC 5802
// (SCRAM-SHA-1, SCRAM-SHA-256, SCRAM-SHA-512) for use over the AMQP
// SASL layer.
//
// Both conversation sides are provided. The client produces the raw
// client-first/client-final messages and validates the server's
// signature; the server verifies proofs against a credential store
// that holds only derived keys, never plaintext passwords.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xdg/scram"
	"github.com/xdg/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// Hash selectors for the SCRAM mechanism family.
var (
	SHA1   scram.HashGeneratorFcn = sha1.New
	SHA256 scram.HashGeneratorFcn = sha256.New
	SHA512 scram.HashGeneratorFcn = sha512.New
)

// ErrAuthentication is returned when proof verification fails or the
// user is unknown. Servers map it to the SASL "auth" outcome code.
var ErrAuthentication = errors.New("scram: authentication failed")

// gs2Header is the channel-binding prefix for clients that neither
// support nor require channel binding.
const gs2Header = "n,,"

// base64 of gs2Header, sent back in the client-final "c=" attribute.
const gs2HeaderB64 = "biws"

// nonceLen is the entropy, in bytes, of generated nonces.
const nonceLen = 16

// Client is one SCRAM client conversation. A Client is single-use.
type Client struct {
	fcn      scram.HashGeneratorFcn
	username string
	password string
	nonce    string

	clientFirstBare string
	serverSignature []byte
}

// NewClient constructs a client conversation for the hash family fcn
// (scram.SHA1, scram.SHA256, scram.SHA512). The password is passed
// through SASLprep.
func NewClient(fcn scram.HashGeneratorFcn, username, password string) (*Client, error) {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return nil, fmt.Errorf("scram: error SASLprepping password: %w", err)
	}
	return &Client{
		fcn:      fcn,
		username: username,
		password: prepped,
		nonce:    newNonce(),
	}, nil
}

// WithNonce fixes the client nonce; used for testing against known
// conversation transcripts.
func (c *Client) WithNonce(nonce string) *Client {
	c.nonce = nonce
	return c
}

// First returns the client-first message, the initial response
// carried on SASLInit.
func (c *Client) First() []byte {
	c.clientFirstBare = "n=" + escapeUsername(c.username) + ",r=" + c.nonce
	return []byte(gs2Header + c.clientFirstBare)
}

// Final processes the server-first message and returns the
// client-final message carrying the proof.
func (c *Client) Final(serverFirst []byte) ([]byte, error) {
	attrs, err := parseAttrs(string(serverFirst))
	if err != nil {
		return nil, err
	}
	combinedNonce, ok := attrs["r"]
	if !ok || !strings.HasPrefix(combinedNonce, c.nonce) || combinedNonce == c.nonce {
		return nil, errors.New("scram: server did not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil {
		return nil, fmt.Errorf("scram: invalid salt: %w", err)
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations < 1 {
		return nil, fmt.Errorf("scram: invalid iteration count %q", attrs["i"])
	}

	saltedPassword := pbkdf2.Key([]byte(c.password), salt, iterations, c.fcn().Size(), c.fcn)
	clientKey := c.computeHMAC(saltedPassword, []byte("Client Key"))
	storedKey := c.computeHash(clientKey)
	serverKey := c.computeHMAC(saltedPassword, []byte("Server Key"))

	withoutProof := "c=" + gs2HeaderB64 + ",r=" + combinedNonce
	authMessage := c.clientFirstBare + "," + string(serverFirst) + "," + withoutProof

	clientSignature := c.computeHMAC(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	c.serverSignature = c.computeHMAC(serverKey, []byte(authMessage))

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)), nil
}

// ValidateServerFinal checks the server's signature, completing
// mutual authentication. It accepts either the bare server-final
// message or the same bytes carried in the SASL outcome's
// additional-data field.
func (c *Client) ValidateServerFinal(serverFinal []byte) error {
	attrs, err := parseAttrs(string(serverFinal))
	if err != nil {
		return err
	}
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("scram: server error: %s", e)
	}
	sig, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return fmt.Errorf("scram: invalid server signature: %w", err)
	}
	if c.serverSignature == nil || !hmac.Equal(sig, c.serverSignature) {
		return errors.New("scram: server signature mismatch")
	}
	return nil
}

func (c *Client) computeHMAC(key, data []byte) []byte {
	mac := hmac.New(c.fcn, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (c *Client) computeHash(data []byte) []byte {
	h := c.fcn()
	h.Write(data)
	return h.Sum(nil)
}

// Credentials is the stored, derived authentication state for one
// user. It contains no plaintext password.
type Credentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// CredentialLookup resolves a username to its stored credentials.
type CredentialLookup func(username string) (Credentials, bool)

// DeriveCredentials produces the stored credential set for a
// plaintext password, for populating a credential store.
func DeriveCredentials(fcn scram.HashGeneratorFcn, password string, salt []byte, iterations int) (Credentials, error) {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return Credentials{}, fmt.Errorf("scram: error SASLprepping password: %w", err)
	}
	saltedPassword := pbkdf2.Key([]byte(prepped), salt, iterations, fcn().Size(), fcn)

	mac := hmac.New(fcn, saltedPassword)
	mac.Write([]byte("Client Key"))
	clientKey := mac.Sum(nil)

	h := fcn()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	mac = hmac.New(fcn, saltedPassword)
	mac.Write([]byte("Server Key"))
	serverKey := mac.Sum(nil)

	return Credentials{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// Server is one SCRAM server conversation. A Server is single-use.
type Server struct {
	fcn    scram.HashGeneratorFcn
	lookup CredentialLookup
	nonce  string

	creds           Credentials
	clientFirstBare string
	serverFirst     string
	combinedNonce   string
}

// NewServer constructs a server conversation backed by lookup.
func NewServer(fcn scram.HashGeneratorFcn, lookup CredentialLookup) *Server {
	return &Server{
		fcn:    fcn,
		lookup: lookup,
		nonce:  newNonce(),
	}
}

// WithNonce fixes the server's nonce extension; used for testing.
func (s *Server) WithNonce(nonce string) *Server {
	s.nonce = nonce
	return s
}

// First processes the client-first message and returns the
// server-first message to send as a challenge.
func (s *Server) First(clientFirst []byte) ([]byte, error) {
	msg := string(clientFirst)
	switch {
	case strings.HasPrefix(msg, "n,,"), strings.HasPrefix(msg, "y,,"):
		s.clientFirstBare = msg[3:]
	default:
		return nil, errors.New("scram: unsupported GS2 header")
	}

	attrs, err := parseAttrs(s.clientFirstBare)
	if err != nil {
		return nil, err
	}
	username := unescapeUsername(attrs["n"])
	clientNonce := attrs["r"]
	if username == "" || clientNonce == "" {
		return nil, errors.New("scram: client-first missing username or nonce")
	}

	creds, ok := s.lookup(username)
	if !ok {
		return nil, ErrAuthentication
	}
	s.creds = creds
	s.combinedNonce = clientNonce + s.nonce

	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		s.combinedNonce,
		base64.StdEncoding.EncodeToString(creds.Salt),
		creds.Iterations,
	)
	return []byte(s.serverFirst), nil
}

// Verify processes the client-final message. On success it returns
// the server-final message ("v=..."); on proof mismatch it returns
// ErrAuthentication.
func (s *Server) Verify(clientFinal []byte) ([]byte, error) {
	msg := string(clientFinal)
	attrs, err := parseAttrs(msg)
	if err != nil {
		return nil, err
	}
	if attrs["c"] != gs2HeaderB64 {
		return nil, errors.New("scram: channel-binding mismatch")
	}
	if attrs["r"] != s.combinedNonce {
		return nil, errors.New("scram: nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	if err != nil {
		return nil, fmt.Errorf("scram: invalid proof: %w", err)
	}

	idx := strings.LastIndex(msg, ",p=")
	if idx < 0 {
		return nil, errors.New("scram: client-final missing proof")
	}
	withoutProof := msg[:idx]
	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof

	// recover ClientKey from the proof and check it hashes to StoredKey
	mac := hmac.New(s.fcn, s.creds.StoredKey)
	mac.Write([]byte(authMessage))
	clientSignature := mac.Sum(nil)
	if len(proof) != len(clientSignature) {
		return nil, ErrAuthentication
	}
	clientKey := xorBytes(proof, clientSignature)
	h := s.fcn()
	h.Write(clientKey)
	if !hmac.Equal(h.Sum(nil), s.creds.StoredKey) {
		return nil, ErrAuthentication
	}

	mac = hmac.New(s.fcn, s.creds.ServerKey)
	mac.Write([]byte(authMessage))
	serverSignature := mac.Sum(nil)
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func newNonce() string {
	buf := make([]byte, nonceLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("scram: reading random nonce: %v", err))
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}

// parseAttrs splits a SCRAM message of "k=v,k=v" pairs.
func parseAttrs(msg string) (map[string]string, error) {
	attrs := map[string]string{}
	for _, part := range strings.Split(msg, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || len(k) != 1 {
			return nil, fmt.Errorf("scram: malformed attribute %q", part)
		}
		if _, dup := attrs[k]; !dup {
			attrs[k] = v
		}
	}
	return attrs, nil
}

func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	return strings.ReplaceAll(u, ",", "=2C")
}

func unescapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=2C", ",")
	return strings.ReplaceAll(u, "=3D", "=")
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
