package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/security"
)

// openGate loads config and opens the trust store for CLI operations.
func openGate(configFile string) (*security.Gate, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	gate := security.NewGate(cfg.Security.TrustStorePath)
	if err := gate.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to open trust store: %v", err)
	}
	return gate, nil
}

// NewTrustCommand creates the trust store management command
func NewTrustCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the plugin trust store",
	}

	cmd.AddCommand(
		newTrustAddCommand(),
		newTrustRemoveCommand(),
		newTrustListCommand(),
		newTrustKeyCommand(),
	)

	return cmd
}

func newTrustAddCommand() *cobra.Command {
	var configFile, sigFile, versionStr, note string

	cmd := &cobra.Command{
		Use:   "add [plugin path]",
		Short: "Trust a signed plugin binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(configFile)
			if err != nil {
				return err
			}
			defer gate.Close()

			raw, err := os.ReadFile(sigFile)
			if err != nil {
				return fmt.Errorf("failed to read signature: %v", err)
			}
			var sig security.Signature
			if err := msgpack.Unmarshal(raw, &sig); err != nil {
				return fmt.Errorf("failed to decode signature: %v", err)
			}
			ver, err := security.ParseVersion(versionStr)
			if err != nil {
				return err
			}

			hash, err := gate.AddTrustedPlugin(args[0], ver, sig, note)
			if err != nil {
				return err
			}
			fmt.Printf("Trusted %s\n  hash: %s\n", args[0], hash)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&sigFile, "signature", "s", "", "signature file produced by 'enclaved sign'")
	cmd.Flags().StringVarP(&versionStr, "version", "v", "0.0.0", "plugin version")
	cmd.Flags().StringVarP(&note, "note", "n", "", "operator note")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func newTrustRemoveCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "remove [hash]",
		Short: "Remove a plugin hash from the trust store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(configFile)
			if err != nil {
				return err
			}
			defer gate.Close()

			if err := gate.RemoveTrustedHash(args[0]); err != nil {
				return err
			}
			fmt.Println("Removed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func newTrustListCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(configFile)
			if err != nil {
				return err
			}
			defer gate.Close()

			entries := gate.Entries()
			if len(entries) == 0 {
				fmt.Println("Trust store is empty")
				return nil
			}
			for hash, entry := range entries {
				fmt.Printf("Hash: %s\n  Version: %s\n", hash, entry.Version)
				if entry.Note != "" {
					fmt.Printf("  Note: %s\n", entry.Note)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func newTrustKeyCommand() *cobra.Command {
	var configFile, label string

	cmd := &cobra.Command{
		Use:   "key [hex public key]",
		Short: "Allow a signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(configFile)
			if err != nil {
				return err
			}
			defer gate.Close()

			key, err := security.ParsePublicKey(args[0], label)
			if err != nil {
				return err
			}
			if err := gate.AddPublicKey(key); err != nil {
				return err
			}
			fmt.Printf("Key %s allowed\n", key.Hex())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&label, "label", "l", "", "key label")
	return cmd
}
