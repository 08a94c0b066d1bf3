package database

import (
	"fmt"
	"os"

	"github.com/datafedhq/datafed/pkg/keyring"
)

const (
	// Keyring service name for database credentials
	DatabaseKeyringService = "datafed-database"
	DatabasePasswordKey    = "postgres-password"
	DefaultUser            = "datafed"
	DefaultDatabase        = "datafed"
)

// GetKeyringPassword retrieves the database password from the keyring.
// Returns an error when the node has not been initialized with one.
func GetKeyringPassword() (string, error) {
	keyringPath := os.Getenv("DATAFED_KEYRING_PATH")
	if keyringPath == "" {
		keyringPath = keyring.GetDefaultKeyringPath()
	}

	masterPassword := keyring.GetMasterPasswordFromEnv()
	km := keyring.NewKeyringManager(keyringPath, masterPassword)

	password, err := km.Get(DatabaseKeyringService, DatabasePasswordKey)
	if err != nil {
		return "", fmt.Errorf("database password not found in keyring - has the node been initialized? Error: %w", err)
	}
	return password, nil
}

// SetKeyringPassword stores the database password in the keyring
func SetKeyringPassword(password string) error {
	keyringPath := os.Getenv("DATAFED_KEYRING_PATH")
	if keyringPath == "" {
		keyringPath = keyring.GetDefaultKeyringPath()
	}

	masterPassword := keyring.GetMasterPasswordFromEnv()
	km := keyring.NewKeyringManager(keyringPath, masterPassword)

	return km.Set(DatabaseKeyringService, DatabasePasswordKey, password)
}
