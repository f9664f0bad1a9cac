package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func newAuthorizedKey(t *testing.T) (gossh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer, string(gossh.MarshalAuthorizedKey(signer.PublicKey()))
}

type fakeMeta struct{ gossh.ConnMetadata }

func (fakeMeta) User() string        { return "op" }
func (fakeMeta) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestPasswordCallback(t *testing.T) {
	if passwordCallback("") != nil {
		t.Error("expected nil callback for empty password")
	}

	cb := passwordCallback("secret123")
	if _, err := cb(fakeMeta{}, []byte("secret123")); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if _, err := cb(fakeMeta{}, []byte("wrong")); err == nil {
		t.Error("incorrect password accepted")
	}
}

func TestLoadAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	_, key1 := newAuthorizedKey(t)
	_, key2 := newAuthorizedKey(t)

	file := filepath.Join(dir, "authorized_keys")
	content := "# comment\ninvalid line\n" + key1 + "\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	keys, err := loadAuthorizedKeys(file)
	if err != nil {
		t.Fatalf("loadAuthorizedKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("file keys = %d, want 1", len(keys))
	}

	os.WriteFile(filepath.Join(dir, "second.pub"), []byte(key2), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte(key2), 0644)
	keys, err = loadAuthorizedKeys(dir)
	if err != nil {
		t.Fatalf("loadAuthorizedKeys(dir): %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("dir keys = %d, want 2", len(keys))
	}

	if _, err := loadAuthorizedKeys(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestPublicKeyCallback(t *testing.T) {
	dir := t.TempDir()
	signer, key := newAuthorizedKey(t)
	other, _ := newAuthorizedKey(t)

	path := filepath.Join(dir, "authorized_keys")
	os.WriteFile(path, []byte(key), 0644)

	cb, err := publicKeyCallback(path)
	if err != nil {
		t.Fatalf("publicKeyCallback: %v", err)
	}
	if _, err := cb(fakeMeta{}, signer.PublicKey()); err != nil {
		t.Errorf("authorized key rejected: %v", err)
	}
	if _, err := cb(fakeMeta{}, other.PublicKey()); err == nil {
		t.Error("unknown key accepted")
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("# nothing\n"), 0644)
	if _, err := publicKeyCallback(empty); err == nil {
		t.Error("expected error for file without keys")
	}
	if cb, err := publicKeyCallback(""); cb != nil || err != nil {
		t.Error("expected nil callback for empty path")
	}
}

func TestGetOrCreateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")

	first, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("host key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("host key mode = %v", info.Mode().Perm())
	}

	second, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Error("reloaded host key differs")
	}
}

func TestLoadHostKeyInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := GetOrCreateHostKey(path); err == nil {
		t.Error("expected error for corrupt host key")
	}
}
