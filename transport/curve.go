package transport

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
	zmq "github.com/pebbe/zmq4"
)

// ZAP domain of the listening socket. There is only one ROUTER per process.
const serverDomain = "clusterinvoke.srv"

// Length of a Z85-encoded CURVE key.
const z85KeyLen = 40

// KeyPair holds Z85-encoded CURVE keys.
type KeyPair struct {
	Public, Secret string
}

func NewKeyPair() (KeyPair, error) {
	public, secret, err := zmq.NewCurveKeypair()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: public, Secret: secret}, nil
}

// LoadKeyPair reads both keys from disk. An empty file name leaves that key empty.
func LoadKeyPair(publicFile, secretFile string) (KeyPair, error) {
	var k KeyPair
	var err error

	if publicFile != "" {
		if k.Public, err = readKey(publicFile); err != nil {
			return KeyPair{}, err
		}
	}
	if secretFile != "" {
		if k.Secret, err = readKey(secretFile); err != nil {
			return KeyPair{}, err
		}
	}
	return k, nil
}

func readKey(filename string) (string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(b))
	if len(key) != z85KeyLen {
		return "", fmt.Errorf("%s: key has %d characters, want %d", filename, len(key), z85KeyLen)
	}
	return key, nil
}

// Write stores the keys atomically. The secret key file is only readable by
// its owner. An empty file name skips that key.
func (k KeyPair) Write(publicFile, secretFile string) error {
	if publicFile != "" {
		if err := renameio.WriteFile(publicFile, []byte(k.Public+"\n"), 0o644); err != nil {
			return err
		}
	}
	if secretFile != "" {
		if err := renameio.WriteFile(secretFile, []byte(k.Secret+"\n"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

/*
ServerSecurity enables CURVE encryption and authentication on the listening
socket, built after the Iron House pattern of the ZeroMQ security guide. On top
of that, peers can be filtered by IP address.
*/
type ServerSecurity struct {
	Keys KeyPair
	// Z85 public keys of admitted clients. Empty admits any client that knows
	// the server key.
	AllowedClientKeys []string

	// Only set one of both.
	AllowedAddresses []string
	DeniedAddresses  []string
}

// Must be called before Bind(). Safe to call on a nil value.
func (s *ServerSecurity) applyToServerSocket(sock *zmq.Socket) error {
	if s == nil {
		return nil
	}
	if s.Keys.Public == "" || s.Keys.Secret == "" {
		return errors.New("server security: incomplete key pair")
	}
	if len(s.AllowedAddresses) > 0 && len(s.DeniedAddresses) > 0 {
		return errors.New("server security: both allowed and denied addresses set")
	}

	// Returns an error if already running, which is fine.
	zmq.AuthStart()

	if len(s.AllowedAddresses) > 0 {
		zmq.AuthAllow(serverDomain, s.AllowedAddresses...)
	} else if len(s.DeniedAddresses) > 0 {
		zmq.AuthDeny(serverDomain, s.DeniedAddresses...)
	}

	if len(s.AllowedClientKeys) > 0 {
		zmq.AuthCurveAdd(serverDomain, s.AllowedClientKeys...)
	} else {
		zmq.AuthCurveAdd(serverDomain, zmq.CURVE_ALLOW_ANY)
	}

	return sock.ServerAuthCurve(serverDomain, s.Keys.Secret)
}

// ClientSecurity authenticates a dialing socket against a CURVE server.
type ClientSecurity struct {
	Keys         KeyPair
	ServerPublic string
}

// Safe to call on a nil value.
func (c *ClientSecurity) applyToClientSocket(sock *zmq.Socket) error {
	if c == nil {
		return nil
	}
	if c.Keys.Public == "" || c.Keys.Secret == "" || c.ServerPublic == "" {
		return errors.New("client security: incomplete keys")
	}
	return sock.ClientAuthCurve(c.ServerPublic, c.Keys.Public, c.Keys.Secret)
}

// StopAuth tears down the ZAP handler started by a secured listener.
func StopAuth() {
	zmq.AuthStop()
}
