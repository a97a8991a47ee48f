package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moltbunker/acn/internal/config"
	"github.com/moltbunker/acn/internal/dht"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/secrets"
)

func NewKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the node key",
	}
	cmd.AddCommand(newKeyGenerateCmd())
	cmd.AddCommand(newKeyShowCmd())
	return cmd
}

func newKeyGenerateCmd() *cobra.Command {
	var out string
	var encrypt, saveKeyring bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a secp256k1 node key",
		Long: `Generate a secp256k1 node key.

Without --out the hex key is printed on stdout. With --out it is written to
the file with owner-only permissions, sealed with a passphrase when
--encrypt is set. --keyring also stores that passphrase in the platform
keyring, so that the node unlocks the key without prompting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex, err := identity.GenerateKeyHex()
			if err != nil {
				return err
			}
			if out == "" {
				if encrypt || saveKeyring {
					return errors.New("--encrypt and --keyring require --out")
				}
				fmt.Fprintln(cmd.OutOrStdout(), keyHex)
				return nil
			}

			if saveKeyring && !encrypt {
				return errors.New("--keyring requires --encrypt")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if encrypt {
				pass, err := newPassphrase(cmd)
				if err != nil {
					return err
				}
				if err := identity.SaveEncryptedKeyFile(out, keyHex, pass); err != nil {
					return err
				}
				if saveKeyring {
					backend, err := secrets.StorePassphrase(out, pass)
					if err != nil {
						Warning(cmd.ErrOrStderr(), "passphrase not stored: "+err.Error())
					} else {
						Success(cmd.OutOrStdout(), "passphrase stored in "+backend)
					}
				}
			} else if err := identity.SaveKeyFile(out, keyHex); err != nil {
				return err
			}

			fields, err := keyFields(keyHex)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			Success(w, "key written to "+out)
			StatusBox(w, "Node key", fields)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the key to this file")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt the key file with a passphrase")
	cmd.Flags().BoolVar(&saveKeyring, "keyring", false, "Store the passphrase in the platform keyring")
	return cmd
}

func newKeyShowCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the peer ID and public key of the node key",
		Long:  "Show the peer ID and public key of the configured node key, or of --key-file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if keyFile != "" {
				cfg.Node.Key = ""
				cfg.Node.KeyFile = keyFile
			}
			if cfg.Node.Key == "" && cfg.Node.KeyFile == "" {
				return errors.New("no node key configured")
			}

			var pass []byte
			if cfg.KeyFileEncrypted() {
				if pass, err = unlockPassphrase(cmd, cfg.Node.KeyFile); err != nil {
					return err
				}
			}
			priv, err := cfg.PrivateKeyWithPassphrase(pass)
			if err != nil {
				return err
			}
			raw, err := priv.Raw()
			if err != nil {
				return err
			}
			fields, err := keyFields(fmt.Sprintf("%x", raw))
			if err != nil {
				return err
			}
			uri := cfg.Node.PublicURI
			if uri == "" {
				uri = cfg.Node.URI
			}
			if uri != "" {
				addr, err := multiAddr(uri, fields[0][1])
				if err != nil {
					return err
				}
				fields = append(fields, [2]string{"Multiaddr", addr})
			}
			StatusBox(cmd.OutOrStdout(), "Node key", fields)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Read the key from this file instead of the config")
	return cmd
}

// keyFields describes a hex private key: peer ID first, then public key.
func keyFields(keyHex string) ([][2]string, error) {
	_, pub, err := identity.KeyPairFromHex(keyHex)
	if err != nil {
		return nil, err
	}
	id, err := identity.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	pubHex, err := identity.PublicKeyHex(pub)
	if err != nil {
		return nil, err
	}
	return [][2]string{{"Peer ID", id.String()}, {"Public key", pubHex}}, nil
}

// multiAddr is the full multiaddress peers use to enter through uri.
func multiAddr(uri, peerID string) (string, error) {
	addr, err := dht.MultiaddrFromHostPort(uri)
	if err != nil {
		return "", err
	}
	return addr.String() + "/p2p/" + peerID, nil
}

// unlockPassphrase finds the passphrase of the encrypted key file at
// keyPath: KeyPassphraseEnv first, then the platform keyring, then a prompt.
func unlockPassphrase(cmd *cobra.Command, keyPath string) ([]byte, error) {
	if v := os.Getenv(config.KeyPassphraseEnv); v != "" {
		return []byte(v), nil
	}
	pass, err := secrets.RetrievePassphrase(keyPath)
	if err == nil && len(pass) > 0 {
		return pass, nil
	}
	return readPassphrase(cmd, "Key passphrase: ")
}

// readPassphrase takes the passphrase from KeyPassphraseEnv or prompts for
// it on the terminal.
func readPassphrase(cmd *cobra.Command, prompt string) ([]byte, error) {
	if v := os.Getenv(config.KeyPassphraseEnv); v != "" {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("passphrase required: set %s or run on a terminal", config.KeyPassphraseEnv)
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return pass, nil
}

// newPassphrase reads the passphrase for a new key file, twice when it is
// typed on a terminal.
func newPassphrase(cmd *cobra.Command) ([]byte, error) {
	pass, err := readPassphrase(cmd, "New passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if os.Getenv(config.KeyPassphraseEnv) != "" {
		return pass, nil
	}
	again, err := readPassphrase(cmd, "Repeat passphrase: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pass, again) {
		return nil, errors.New("passphrases do not match")
	}
	return pass, nil
}
