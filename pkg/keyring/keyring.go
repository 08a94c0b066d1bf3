package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
)

// FileKeyring implements a file-based keyring for headless servers
type FileKeyring struct {
	keyringPath string
	masterKey   []byte
}

// KeyringEntry represents a stored keyring entry
type KeyringEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Data    string `json:"data"` // encrypted data
}

// KeyringManager provides a unified interface for keyring operations
type KeyringManager struct {
	fileKeyring *FileKeyring
	useFile     bool
}

// NewKeyringManager creates a new keyring manager that tries the system
// keyring first and falls back to an encrypted file for headless hosts
func NewKeyringManager(keyringPath, masterPassword string) *KeyringManager {
	testService := "datafed-test"
	testKey := "test-key"

	// Probe the system keyring with a timeout; dbus can hang on servers
	done := make(chan error, 1)
	go func() {
		err := keyring.Set(testService, testKey, "test-value")
		if err == nil {
			keyring.Delete(testService, testKey)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return &KeyringManager{useFile: false}
		}
	case <-time.After(5 * time.Second):
	}

	return &KeyringManager{
		fileKeyring: NewFileKeyring(keyringPath, masterPassword),
		useFile:     true,
	}
}

// NewFileKeyring creates a file-based keyring
func NewFileKeyring(keyringPath, masterPassword string) *FileKeyring {
	hash := sha256.Sum256([]byte(masterPassword))
	return &FileKeyring{
		keyringPath: keyringPath,
		masterKey:   hash[:],
	}
}

// Get retrieves a secret
func (km *KeyringManager) Get(service, user string) (string, error) {
	if km.useFile {
		return km.fileKeyring.Get(service, user)
	}
	return keyring.Get(service, user)
}

// Set stores a secret
func (km *KeyringManager) Set(service, user, value string) error {
	if km.useFile {
		return km.fileKeyring.Set(service, user, value)
	}
	return keyring.Set(service, user, value)
}

// Delete removes a secret
func (km *KeyringManager) Delete(service, user string) error {
	if km.useFile {
		return km.fileKeyring.Delete(service, user)
	}
	return keyring.Delete(service, user)
}

// GetDefaultKeyringPath returns the default path for the file keyring
func GetDefaultKeyringPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/datafed/keyring.json"
	}
	return filepath.Join(home, ".datafed", "keyring.json")
}

// GetMasterPasswordFromEnv returns the file-keyring master password
func GetMasterPasswordFromEnv() string {
	if p := os.Getenv("DATAFED_KEYRING_PASSWORD"); p != "" {
		return p
	}
	return "datafed-default-master"
}

func (fk *FileKeyring) load() (map[string]KeyringEntry, error) {
	entries := make(map[string]KeyringEntry)

	data, err := os.ReadFile(fk.keyringPath)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse keyring file: %w", err)
	}
	return entries, nil
}

func (fk *FileKeyring) save(entries map[string]KeyringEntry) error {
	if err := os.MkdirAll(filepath.Dir(fk.keyringPath), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fk.keyringPath, data, 0600)
}

func entryKey(service, user string) string {
	return service + ":" + user
}

// Get retrieves and decrypts a secret from the file keyring
func (fk *FileKeyring) Get(service, user string) (string, error) {
	entries, err := fk.load()
	if err != nil {
		return "", err
	}

	entry, ok := entries[entryKey(service, user)]
	if !ok {
		return "", fmt.Errorf("secret not found for %s/%s", service, user)
	}
	return fk.decrypt(entry.Data)
}

// Set encrypts and stores a secret in the file keyring
func (fk *FileKeyring) Set(service, user, value string) error {
	entries, err := fk.load()
	if err != nil {
		return err
	}

	encrypted, err := fk.encrypt(value)
	if err != nil {
		return err
	}

	entries[entryKey(service, user)] = KeyringEntry{
		Service: service,
		User:    user,
		Data:    encrypted,
	}
	return fk.save(entries)
}

// Delete removes a secret from the file keyring
func (fk *FileKeyring) Delete(service, user string) error {
	entries, err := fk.load()
	if err != nil {
		return err
	}

	delete(entries, entryKey(service, user))
	return fk.save(entries)
}

func (fk *FileKeyring) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(fk.masterKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (fk *FileKeyring) decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(fk.masterKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
