package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	"sumlink/logging"
)

// passwordCallback accepts any user presenting password. Nil when no
// password is configured.
func passwordCallback(password string) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	if password == "" {
		return nil
	}
	return func(meta gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		if subtle.ConstantTimeCompare(pass, []byte(password)) == 1 {
			return nil, nil
		}
		logging.DebugLog("SSH", "password rejected for %s from %s", meta.User(), meta.RemoteAddr())
		return nil, fmt.Errorf("password rejected for %s", meta.User())
	}
}

// publicKeyCallback accepts keys listed in an authorized_keys file or a
// directory of them. Nil when no path is configured.
func publicKeyCallback(authorizedKeysPath string) (func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error), error) {
	if authorizedKeysPath == "" {
		return nil, nil
	}

	keys, err := loadAuthorizedKeys(authorizedKeysPath)
	if err != nil {
		return nil, fmt.Errorf("loading authorized keys from %s: %w", authorizedKeysPath, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no authorized keys found in %s", authorizedKeysPath)
	}

	return func(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		marshaled := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(k.Marshal(), marshaled) {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("unknown public key for %s", meta.User())
	}, nil
}

func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadAuthorizedKeysFromDir(path)
	}
	return loadAuthorizedKeysFromFile(path)
}

func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

// loadAuthorizedKeysFromDir reads every non-hidden file in dir. Unreadable
// files are skipped.
func loadAuthorizedKeysFromDir(dir string) ([]gossh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// GetOrCreateHostKey loads the host key at path, generating an ED25519 key
// there on first use.
func GetOrCreateHostKey(path string) (gossh.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return loadHostKey(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return generateHostKey(path)
}

func loadHostKey(path string) (gossh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return signer, nil
}

func generateHostKey(path string) (gossh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pemBlock, err := gossh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	logging.DebugLog("SSH", "generated host key %s", path)
	return signer, nil
}
