package identity

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Encrypted key file format:
// [4 bytes magic] [16 bytes salt] [12 bytes nonce] [variable ciphertext]
//
// The ciphertext is the hex encoded private key sealed with AES-256-GCM under
// an argon2id key derived from the passphrase. Plain key files hold the hex
// key followed by an optional newline.

var (
	// encryptedKeyMagic identifies an encrypted key file ("ACNK")
	encryptedKeyMagic = []byte{0x41, 0x43, 0x4E, 0x4B}

	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024 // 64 MB
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32 // AES-256

	// ErrWrongPassphrase is returned when decryption fails due to wrong passphrase
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

	// ErrInvalidKeyFile is returned when the file format is invalid
	ErrInvalidKeyFile = errors.New("invalid key file")

	// ErrPassphraseRequired is returned when an encrypted file is loaded without a passphrase
	ErrPassphraseRequired = errors.New("key file is encrypted, passphrase required")
)

// SaveKeyFile writes a hex private key in plain form with owner-only permissions.
func SaveKeyFile(path, keyHex string) error {
	if _, _, err := KeyPairFromHex(keyHex); err != nil {
		return fmt.Errorf("save key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("save key file: failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strip0x(keyHex)+"\n"), 0600); err != nil {
		return fmt.Errorf("save key file: %w", err)
	}
	return nil
}

// SaveEncryptedKeyFile seals a hex private key with a passphrase.
func SaveEncryptedKeyFile(path, keyHex string, passphrase []byte) error {
	if _, _, err := KeyPairFromHex(keyHex); err != nil {
		return fmt.Errorf("save encrypted key: %w", err)
	}
	if len(passphrase) == 0 {
		return fmt.Errorf("save encrypted key: empty passphrase")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("save encrypted key: failed to generate salt: %w", err)
	}
	aead, err := keyFileAEAD(passphrase, salt)
	if err != nil {
		return fmt.Errorf("save encrypted key: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("save encrypted key: failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(strip0x(keyHex)), nil)

	fileData := make([]byte, 0, len(encryptedKeyMagic)+len(salt)+len(nonce)+len(ciphertext))
	fileData = append(fileData, encryptedKeyMagic...)
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("save encrypted key: failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, fileData, 0600); err != nil {
		return fmt.Errorf("save encrypted key: failed to write file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a plain or encrypted key file and returns the hex key.
// The passphrase is ignored for plain files.
func LoadKeyFile(path string, passphrase []byte) (string, error) {
	fileData, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load key file: %w", err)
	}

	var keyHex string
	if bytes.HasPrefix(fileData, encryptedKeyMagic) {
		if len(passphrase) == 0 {
			return "", fmt.Errorf("load key file: %w", ErrPassphraseRequired)
		}
		plain, err := openEncryptedKey(fileData, passphrase)
		if err != nil {
			return "", fmt.Errorf("load key file: %w", err)
		}
		keyHex = string(plain)
	} else {
		keyHex = strings.TrimSpace(string(fileData))
	}

	if _, _, err := KeyPairFromHex(keyHex); err != nil {
		return "", fmt.Errorf("load key file: %w: %v", ErrInvalidKeyFile, err)
	}
	return strip0x(keyHex), nil
}

// IsEncryptedKeyFile checks whether the file at the given path starts with
// the encrypted key magic.
func IsEncryptedKeyFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, len(encryptedKeyMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic, encryptedKeyMagic), nil
}

func openEncryptedKey(fileData, passphrase []byte) ([]byte, error) {
	// magic (4) + salt (16) + nonce (12) + at least 1 byte ciphertext + 16 byte tag
	const minSize = 4 + 16 + 12 + 1 + 16
	if len(fileData) < minSize {
		return nil, fmt.Errorf("%w: file too short", ErrInvalidKeyFile)
	}

	offset := len(encryptedKeyMagic)
	salt := fileData[offset : offset+16]
	offset += 16
	nonce := fileData[offset : offset+12]
	offset += 12
	ciphertext := fileData[offset:]

	aead, err := keyFileAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

func keyFileAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	derivedKey := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
