package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/enclave-dev/enclave/security"
)

// NewKeygenCommand creates the keygen command
func NewKeygenCommand() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Printf("Public key:  %s\n", kp.Public(label).Hex())
			fmt.Printf("Private seed: %s\n", kp.SeedHex())
			fmt.Println("\nKeep the seed secret. Allow the public key with 'enclaved trust key'.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "key label")
	return cmd
}

// NewSignCommand creates the sign command
func NewSignCommand() *cobra.Command {
	var seedHex, signer, output string

	cmd := &cobra.Command{
		Use:   "sign [plugin path]",
		Short: "Sign a plugin binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := security.KeyPairFromSeedHex(seedHex)
			if err != nil {
				return err
			}
			sig, err := kp.SignFile(args[0], &security.SignatureMetadata{
				SignedAt: time.Now().Unix(),
				Signer:   signer,
			})
			if err != nil {
				return err
			}

			raw, err := msgpack.Marshal(sig)
			if err != nil {
				return fmt.Errorf("failed to encode signature: %v", err)
			}
			if output == "" {
				output = args[0] + ".sig"
			}
			if err := os.WriteFile(output, raw, 0o600); err != nil {
				return fmt.Errorf("failed to write signature: %v", err)
			}

			hash, err := security.CalculateHash(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Signed %s\n  hash: %s\n  signature: %s\n", args[0], hash, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&seedHex, "seed", "k", "", "hex private seed from 'enclaved keygen'")
	cmd.Flags().StringVarP(&signer, "signer", "u", "", "signer identity recorded in the signature")
	cmd.Flags().StringVarP(&output, "output", "o", "", "signature output path (default: <plugin>.sig)")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}
