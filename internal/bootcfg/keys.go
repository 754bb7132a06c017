package bootcfg

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// ensureMeasurementKeys generates the keypair used to sign measurement
// predictions and persists both halves inside the tree. Skips generation
// when a private key is already present, so re-runs keep signing with the
// same key.
func (p *Provisioner) ensureMeasurementKeys() error {
	privPath := filepath.Join(p.root, privKeyPath)
	if _, err := os.Stat(privPath); err == nil {
		p.log.Debug().Str("path", privKeyPath).Msg("measurement key already present")
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := writeFileAtomic(privPath, privPEM, 0o600); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return writeFileAtomic(filepath.Join(p.root, pubKeyPath), pubPEM, 0o644)
}
