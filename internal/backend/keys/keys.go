package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	PrivateKeyName = "id_rsa"
	PublicKeyName  = "id_rsa.pub"

	keyBits = 4096
)

// Pair locates a generated key pair.
type Pair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	Created    bool   `json:"created"`
}

// Generate makes sure dir holds an RSA key pair usable for remote storage.
// An existing private key is kept; a missing public half is derived from it.
func Generate(dir string) (Pair, error) {
	return generate(dir, keyBits)
}

func generate(dir string, bits int) (Pair, error) {
	pair := Pair{
		PrivateKey: filepath.Join(dir, PrivateKeyName),
		PublicKey:  filepath.Join(dir, PublicKeyName),
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return pair, fmt.Errorf("failed to create key directory: %w", err)
	}

	signer, err := loadPrivateKey(pair.PrivateKey)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		signer, err = writePrivateKey(pair.PrivateKey, bits)
		if err != nil {
			return pair, err
		}
		pair.Created = true
	default:
		return pair, err
	}

	if _, err := os.Stat(pair.PublicKey); err == nil && !pair.Created {
		return pair, nil
	}

	pub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return pair, fmt.Errorf("failed to encode public key: %w", err)
	}
	if err := os.WriteFile(pair.PublicKey, ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return pair, fmt.Errorf("failed to write public key: %w", err)
	}
	return pair, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key %s: %w", path, err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not an RSA key", path)
	}
	return key, nil
}

func writePrivateKey(path string, bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key: %w", err)
	}
	if err := pem.Encode(file, block); err != nil {
		file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	return key, nil
}
