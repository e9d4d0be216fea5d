package wifidirect

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"

	"github.com/opd-ai/nearby/medium"
	"golang.org/x/crypto/pbkdf2"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidCredentials indicates undecodable or incomplete credentials.
var ErrInvalidCredentials = errors.New("invalid wifi direct credentials")

const (
	passphraseLen   = 16
	ssidSuffixLen   = 8
	pskIterations   = 4096
	pskKeyLen       = 32
	credentialChars = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

	fieldSSID       protowire.Number = 1
	fieldPassphrase protowire.Number = 2
	fieldIPAddress  protowire.Number = 3
	fieldPort       protowire.Number = 4
)

// Credentials let a peer join the group and reach the owner's socket.
type Credentials struct {
	SSID       string
	Passphrase string
	IPAddress  string
	Port       int
}

// GenerateCredentials returns a fresh SSID with the given prefix and a
// random passphrase. Address fields are filled in once the group is up.
func GenerateCredentials(ssidPrefix string) (Credentials, error) {
	suffix, err := randomString(ssidSuffixLen)
	if err != nil {
		return Credentials{}, err
	}
	pass, err := randomString(passphraseLen)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{SSID: ssidPrefix + suffix, Passphrase: pass}, nil
}

func randomString(n int) (string, error) {
	limit := big.NewInt(int64(len(credentialChars)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate credentials: %w", err)
		}
		out[i] = credentialChars[idx.Int64()]
	}
	return string(out), nil
}

// PSK derives the 256-bit WPA pre-shared key from the passphrase and
// SSID, hex encoded the way NetworkManager accepts it.
func (c Credentials) PSK() string {
	key := pbkdf2.Key([]byte(c.Passphrase), []byte(c.SSID), pskIterations, pskKeyLen, sha1.New)
	return hex.EncodeToString(key)
}

// Address is the owner's host:port.
func (c Credentials) Address() string {
	return net.JoinHostPort(c.IPAddress, strconv.Itoa(c.Port))
}

// Validate checks that the credentials are complete.
func (c Credentials) Validate() error {
	switch {
	case c.SSID == "":
		return fmt.Errorf("%w: empty ssid", ErrInvalidCredentials)
	case len(c.Passphrase) < 8 || len(c.Passphrase) > 63:
		return fmt.Errorf("%w: passphrase must be 8 to 63 characters", ErrInvalidCredentials)
	case net.ParseIP(c.IPAddress) == nil:
		return fmt.Errorf("%w: bad ip address %q", ErrInvalidCredentials, c.IPAddress)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: bad port %d", ErrInvalidCredentials, c.Port)
	}
	return nil
}

// Encode serializes the credentials in protobuf wire format.
func (c Credentials) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSSID, protowire.BytesType)
	b = protowire.AppendString(b, c.SSID)
	b = protowire.AppendTag(b, fieldPassphrase, protowire.BytesType)
	b = protowire.AppendString(b, c.Passphrase)
	b = protowire.AppendTag(b, fieldIPAddress, protowire.BytesType)
	b = protowire.AppendString(b, c.IPAddress)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Port))
	return b
}

// DecodeCredentials parses and validates Encode output.
func DecodeCredentials(data []byte) (Credentials, error) {
	var c Credentials
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldSSID || num == fieldPassphrase || num == fieldIPAddress):
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldSSID:
				c.SSID = v
			case fieldPassphrase:
				c.Passphrase = v
			default:
				c.IPAddress = v
			}
		case typ == protowire.VarintType && num == fieldPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, protowire.ParseError(n))
			}
			data = data[n:]
			c.Port = int(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// ServiceInfo packs the credentials for Connect.
func (c Credentials) ServiceInfo(serviceID string) medium.ServiceInfo {
	return medium.ServiceInfo{
		ServiceID: serviceID,
		Name:      c.SSID,
		Address:   c.Address(),
		Data:      c.Encode(),
	}
}
