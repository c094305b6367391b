package scram

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	xdgscram "github.com/xdg/scram"
)

// RFC 5802 §5 example conversation (SCRAM-SHA-1)
func TestClientSHA1Vector(t *testing.T) {
	client, err := NewClient(SHA1, "user", "pencil")
	require.NoError(t, err)
	client.WithNonce("fyko+d2lbbFgONRv9qkxdawL")

	first := client.First()
	require.Equal(t, "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL", string(first))

	serverFirst := "r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"
	final, err := client.Final([]byte(serverFirst))
	require.NoError(t, err)
	require.Equal(t,
		"c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=",
		string(final))

	require.NoError(t, client.ValidateServerFinal([]byte("v=rmF9pqV8S7suAoZWja4dJRkFsKQ=")))
}

// RFC 7677 §3 example conversation (SCRAM-SHA-256)
func TestClientSHA256Vector(t *testing.T) {
	client, err := NewClient(SHA256, "user", "pencil")
	require.NoError(t, err)
	client.WithNonce("rOprNGfwEbeRWgbNEkqO")

	first := client.First()
	require.Equal(t, "n,,n=user,r=rOprNGfwEbeRWgbNEkqO", string(first))

	serverFirst := "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
	final, err := client.Final([]byte(serverFirst))
	require.NoError(t, err)
	require.Equal(t,
		"c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=",
		string(final))

	require.NoError(t, client.ValidateServerFinal([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))
}

func TestClientRejectsBadServerSignature(t *testing.T) {
	client, err := NewClient(SHA1, "user", "pencil")
	require.NoError(t, err)
	client.WithNonce("fyko+d2lbbFgONRv9qkxdawL")
	client.First()

	_, err = client.Final([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"))
	require.NoError(t, err)

	require.Error(t, client.ValidateServerFinal([]byte("v=AAAAAAAAAAAAAAAAAAAAAAAAAAA=")))
	require.Error(t, client.ValidateServerFinal([]byte("e=other-error")))
}

func TestClientRejectsUnextendedNonce(t *testing.T) {
	client, err := NewClient(SHA1, "user", "pencil")
	require.NoError(t, err)
	client.WithNonce("abc")
	client.First()

	// nonce not starting with the client's portion
	_, err = client.Final([]byte("r=xyzserver,s=QSXCR+Q6sek8bf92,i=4096"))
	require.Error(t, err)

	// nonce not extended at all
	_, err = client.Final([]byte("r=abc,s=QSXCR+Q6sek8bf92,i=4096"))
	require.Error(t, err)
}

// server side against the RFC 7677 transcript
func TestServerSHA256Vector(t *testing.T) {
	salt, err := base64.StdEncoding.DecodeString("W22ZaJ0SNY7soEsUEjb6gQ==")
	require.NoError(t, err)
	creds, err := DeriveCredentials(SHA256, "pencil", salt, 4096)
	require.NoError(t, err)

	server := NewServer(SHA256, func(username string) (Credentials, bool) {
		if username != "user" {
			return Credentials{}, false
		}
		return creds, true
	})
	server.WithNonce("%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0")

	serverFirst, err := server.First([]byte("n,,n=user,r=rOprNGfwEbeRWgbNEkqO"))
	require.NoError(t, err)
	require.Equal(t,
		"r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096",
		string(serverFirst))

	serverFinal, err := server.Verify([]byte(
		"c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="))
	require.NoError(t, err)
	require.Equal(t, "v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=", string(serverFinal))
}

// a full client/server conversation for each hash width
func TestConversationLoopback(t *testing.T) {
	for _, fcn := range []xdgscram.HashGeneratorFcn{SHA1, SHA256, SHA512} {
		creds, err := DeriveCredentials(fcn, "s3cret", []byte("NaCl"), 4096)
		require.NoError(t, err)

		lookup := func(username string) (Credentials, bool) {
			if username != "someone" {
				return Credentials{}, false
			}
			return creds, true
		}

		client, err := NewClient(fcn, "someone", "s3cret")
		require.NoError(t, err)
		server := NewServer(fcn, lookup)

		serverFirst, err := server.First(client.First())
		require.NoError(t, err)
		clientFinal, err := client.Final(serverFirst)
		require.NoError(t, err)
		serverFinal, err := server.Verify(clientFinal)
		require.NoError(t, err)
		require.NoError(t, client.ValidateServerFinal(serverFinal))
	}
}

func TestServerRejectsBadProof(t *testing.T) {
	creds, err := DeriveCredentials(SHA256, "right", []byte("salt"), 4096)
	require.NoError(t, err)
	lookup := func(string) (Credentials, bool) { return creds, true }

	client, err := NewClient(SHA256, "someone", "wrong")
	require.NoError(t, err)
	server := NewServer(SHA256, lookup)

	serverFirst, err := server.First(client.First())
	require.NoError(t, err)
	clientFinal, err := client.Final(serverFirst)
	require.NoError(t, err)
	_, err = server.Verify(clientFinal)
	require.True(t, errors.Is(err, ErrAuthentication))
}

func TestServerRejectsUnknownUser(t *testing.T) {
	server := NewServer(SHA256, func(string) (Credentials, bool) {
		return Credentials{}, false
	})
	_, err := server.First([]byte("n,,n=ghost,r=abcdef"))
	require.True(t, errors.Is(err, ErrAuthentication))
}

func TestUsernameEscaping(t *testing.T) {
	client, err := NewClient(SHA1, "we=ird,user", "pw")
	require.NoError(t, err)
	client.WithNonce("nnn")
	require.Equal(t, "n,,n=we=3Dird=2Cuser,r=nnn", string(client.First()))
	require.Equal(t, "we=ird,user", unescapeUsername("we=3Dird=2Cuser"))
}
