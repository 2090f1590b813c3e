// Package profile persists named connection profiles (host/user/auth) to
// disk between CLI invocations. Secrets are encrypted at rest with
// internal/crypto; everything else is stored in the clear.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mobilessh/sshcore/internal/crypto"
)

// Profile is one saved connection target plus its auth method. Exactly one
// of EncryptedPassword/EncryptedPrivateKey is set, mirroring
// connection.Credentials.
type Profile struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	User                string `json:"user"`
	EncryptedPassword   string `json:"encrypted_password,omitempty"`
	EncryptedPrivateKey string `json:"encrypted_private_key,omitempty"`
}

// Dir returns the directory profiles are stored under, creating it (mode
// 0700, since it holds encrypted secrets) if it doesn't exist.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("profile: resolve config dir: %w", err)
	}
	dir := filepath.Join(base, "sshcore", "profiles")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("profile: create %s: %w", dir, err)
	}
	return dir, nil
}

func path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".json"), nil
}

// Save encrypts password/privateKey (whichever is non-empty) and writes the
// profile to <config dir>/sshcore/profiles/<name>.json.
func Save(name, host string, port int, user, password, privateKey string) error {
	p := Profile{Host: host, Port: port, User: user}
	switch {
	case privateKey != "":
		enc, err := crypto.Encrypt(privateKey)
		if err != nil {
			return fmt.Errorf("profile: encrypt private key: %w", err)
		}
		p.EncryptedPrivateKey = enc
	case password != "":
		enc, err := crypto.Encrypt(password)
		if err != nil {
			return fmt.Errorf("profile: encrypt password: %w", err)
		}
		p.EncryptedPassword = enc
	default:
		return fmt.Errorf("profile: one of password or private key is required")
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}
	fp, err := path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fp, data, 0o600); err != nil {
		return fmt.Errorf("profile: write %s: %w", fp, err)
	}
	return nil
}

// Load reads and decrypts the named profile, returning the plaintext
// password or private key alongside the connection target.
func Load(name string) (host string, port int, user, password, privateKey string, err error) {
	fp, err := path(name)
	if err != nil {
		return "", 0, "", "", "", err
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return "", 0, "", "", "", fmt.Errorf("profile: read %s: %w", fp, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return "", 0, "", "", "", fmt.Errorf("profile: unmarshal %s: %w", fp, err)
	}

	if p.EncryptedPrivateKey != "" {
		privateKey, err = crypto.Decrypt(p.EncryptedPrivateKey)
		if err != nil {
			return "", 0, "", "", "", fmt.Errorf("profile: decrypt private key: %w", err)
		}
	} else if p.EncryptedPassword != "" {
		password, err = crypto.Decrypt(p.EncryptedPassword)
		if err != nil {
			return "", 0, "", "", "", fmt.Errorf("profile: decrypt password: %w", err)
		}
	}
	return p.Host, p.Port, p.User, password, privateKey, nil
}
