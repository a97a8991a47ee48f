package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/config"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/wire"
)

func NewRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Manage proofs of representation",
	}
	cmd.AddCommand(newRecordBuildCmd())
	return cmd
}

type recordOptions struct {
	agentKey     string
	agentKeyFile string
	peerKey      string
	ledger       string
	service      string
	format       string
}

func newRecordBuildCmd() *cobra.Command {
	var opts recordOptions
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Sign a record letting a node represent an agent",
		Long: `Sign the node's public key with the agent's key.

The record is printed as the agent section of a config file, or as AEA_*
variables with --format env. The node key is read from the config unless
--peer-key gives its public key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := buildRecord(opts)
			if err != nil {
				return err
			}
			out, err := formatRecord(rec, opts.format)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.agentKey, "agent-key", "", "Agent private key, hex")
	f.StringVar(&opts.agentKeyFile, "agent-key-file", "", "File holding the agent private key")
	f.StringVar(&opts.peerKey, "peer-key", "", "Public key of the representing node, hex (default: from config)")
	f.StringVar(&opts.ledger, "ledger", identity.LedgerFetchAI, "Ledger of the agent address: "+strings.Join(identity.SupportedLedgers(), ", "))
	f.StringVar(&opts.service, "service", "", "Service id stored in the record")
	f.StringVar(&opts.format, "format", "yaml", "Output format: yaml or env")
	return cmd
}

func buildRecord(opts recordOptions) (*wire.AgentRecord, error) {
	agentKey := opts.agentKey
	switch {
	case agentKey != "" && opts.agentKeyFile != "":
		return nil, errors.New("use only one of --agent-key and --agent-key-file")
	case opts.agentKeyFile != "":
		k, err := identity.LoadKeyFile(opts.agentKeyFile, nil)
		if err != nil {
			return nil, err
		}
		agentKey = k
	case agentKey == "":
		return nil, errors.New("an agent key is required")
	}

	peerKey := opts.peerKey
	if peerKey == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Node.Key == "" && cfg.Node.KeyFile == "" {
			return nil, errors.New("no node key configured, pass --peer-key")
		}
		priv, err := cfg.PrivateKey()
		if err != nil {
			return nil, err
		}
		if peerKey, err = identity.PublicKeyHex(priv.GetPublic()); err != nil {
			return nil, err
		}
	}

	rec, err := acn.BuildRecord(opts.ledger, agentKey, peerKey, opts.service)
	if err != nil {
		return nil, fmt.Errorf("failed to build record: %w", err)
	}
	return rec, nil
}

func formatRecord(rec *wire.AgentRecord, format string) (string, error) {
	rc := config.RecordConfig{
		Address:       rec.Address,
		PublicKey:     rec.PublicKey,
		PeerPublicKey: rec.PeerPublicKey,
		Signature:     rec.Signature,
		ServiceID:     rec.ServiceID,
		LedgerID:      rec.LedgerID,
		NotBefore:     rec.NotBefore,
		NotAfter:      rec.NotAfter,
	}
	switch format {
	case "yaml":
		var doc struct {
			Agent struct {
				Address string              `yaml:"address"`
				Record  config.RecordConfig `yaml:"record"`
			} `yaml:"agent"`
		}
		doc.Agent.Address = rec.Address
		doc.Agent.Record = rc
		data, err := yaml.Marshal(&doc)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "env":
		var sb strings.Builder
		for _, kv := range [][2]string{
			{"AEA_AGENT_ADDR", rc.Address},
			{"AEA_P2P_POR_ADDRESS", rc.Address},
			{"AEA_P2P_POR_PUBKEY", rc.PublicKey},
			{"AEA_P2P_POR_PEER_PUBKEY", rc.PeerPublicKey},
			{"AEA_P2P_POR_SIGNATURE", rc.Signature},
			{"AEA_P2P_POR_SERVICE_ID", rc.ServiceID},
			{"AEA_P2P_POR_LEDGER_ID", rc.LedgerID},
		} {
			fmt.Fprintf(&sb, "%s=%s\n", kv[0], kv[1])
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}
