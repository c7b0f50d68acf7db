package novapay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
)

const (
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemTypePKCS8          = "PRIVATE KEY"
	pemTypePKCS1          = "RSA PRIVATE KEY"
)

var errInvalidPrivateKey = errors.New("invalid private key")

// Signer produces the x-sign header: RSA PKCS#1 v1.5 over the SHA-1 digest of the
// request body, base64 encoded.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps an already parsed key.
func NewSigner(key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", errInvalidPrivateKey)
	}
	return &Signer{key: key}, nil
}

// LoadSigner reads a PEM key from disk. Encrypted PKCS#8 keys need the passphrase.
func LoadSigner(path string, passphrase string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(data, passphrase)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// ParsePrivateKeyPEM decodes an RSA key in encrypted PKCS#8, PKCS#8 or PKCS#1 form.
func ParsePrivateKeyPEM(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", errInvalidPrivateKey)
	}
	switch block.Type {
	case pemTypeEncryptedPKCS8:
		if passphrase == "" {
			return nil, fmt.Errorf("%w: encrypted key requires a passphrase", errInvalidPrivateKey)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidPrivateKey, err)
		}
		return key, nil
	case pemTypePKCS8:
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidPrivateKey, err)
		}
		return key, nil
	case pemTypePKCS1:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidPrivateKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PEM type %q", errInvalidPrivateKey, block.Type)
	}
}

// Sign returns the base64 signature of body.
func (signer *Signer) Sign(body []byte) (string, error) {
	digest := sha1.Sum(body)
	signature, err := rsa.SignPKCS1v15(rand.Reader, signer.key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify checks a signature produced by Sign against the signer's public key.
func (signer *Signer) Verify(body []byte, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha1.Sum(body)
	return rsa.VerifyPKCS1v15(&signer.key.PublicKey, crypto.SHA1, digest[:], raw)
}
