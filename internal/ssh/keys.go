package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private key in
// OpenSSH format without a passphrase and returns the authorized_keys line.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", errors.Wrap(err, "generate key")
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", errors.Wrap(err, "signer")
	}
	block, err := xssh.MarshalPrivateKey(priv, "benchctl asset mirror")
	if err != nil {
		return "", errors.Wrap(err, "marshal private key")
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", errors.Wrap(err, "mkdir key dir")
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", errors.Wrap(err, "write private key")
	}
	pub := xssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(privateKeyPath+".pub", pub, 0o644); err != nil {
		return "", errors.Wrap(err, "write public key")
	}
	return string(pub), nil
}

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return signer, nil
}
