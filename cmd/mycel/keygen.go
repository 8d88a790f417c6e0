package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mycel/internal/security"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an audit signing keypair",
	Long: `Generates an Ed25519 keypair for audit log signing. The hex-encoded
seed is written to the output file (mode 0600) and the public key and key
id are printed so verifiers can be provisioned.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		seed := hex.EncodeToString(priv.Seed())

		if keygenOut != "" {
			if err := os.WriteFile(keygenOut, []byte(seed+"\n"), 0o600); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), seed)
		}

		signer, err := security.NewSigner(priv)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key_id:     %s\n", signer.KeyID())
		fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\n", signer.PublicKeyHex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write the seed to this file instead of stdout")
}
