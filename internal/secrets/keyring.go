// Package secrets keeps key file passphrases in the platform keyring.
package secrets

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/99designs/keyring"
)

const keyringServiceName = "acn"

// ErrNoKeyring is returned when the platform has no supported keyring.
var ErrNoKeyring = errors.New("no keyring backend available")

// StorePassphrase stores the passphrase of the encrypted key file at
// keyPath in the platform keyring and returns the backend name.
// On macOS: Keychain. On Linux: Secret Service (GNOME Keyring / KDE Wallet).
func StorePassphrase(keyPath string, passphrase []byte) (string, error) {
	ring, backend, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := passphraseItem(keyPath)
	if err != nil {
		return "", err
	}
	err = ring.Set(keyring.Item{
		Key:         item,
		Data:        passphrase,
		Label:       "ACN node key passphrase",
		Description: "Passphrase of the encrypted ACN node key " + keyPath,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store in %s: %w", backend, err)
	}
	return backend, nil
}

// RetrievePassphrase returns the passphrase stored for keyPath, nil when
// the keyring holds none.
func RetrievePassphrase(keyPath string) ([]byte, error) {
	ring, _, err := openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := passphraseItem(keyPath)
	if err != nil {
		return nil, err
	}
	found, err := ring.Get(item)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return found.Data, nil
}

// passphraseItem names the keyring entry of a key file by its absolute
// path, so that one keyring serves several nodes.
func passphraseItem(keyPath string) (string, error) {
	abs, err := filepath.Abs(keyPath)
	if err != nil {
		return "", err
	}
	return "key-passphrase:" + abs, nil
}

func openKeyring() (keyring.Keyring, string, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("%w on %s", ErrNoKeyring, runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, keyringBackendName(), nil
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	default:
		return nil
	}
}

func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}
