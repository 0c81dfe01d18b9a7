package provision

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

// KeyPair is the per-instance credential. Private is a PKCS#8 PEM block and
// AuthorizedKey the OpenSSH encoding of the public half.
type KeyPair struct {
	Private       []byte
	AuthorizedKey []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	publicKey, err := ssh.NewPublicKey(privateKey.Public())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	return &KeyPair{Private: privatePEM, AuthorizedKey: ssh.MarshalAuthorizedKey(publicKey)}, nil
}
