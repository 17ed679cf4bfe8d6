package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/types"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists", keygenOut)
		}
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(keygenOut), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(keygenOut, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
			return err
		}
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		logx.Info("CMD", "generated key ", keygenOut)
		fmt.Println(types.PrincipalFromPubKey(pub))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenOut, "out", "identity.key", "Where to write the hex encoded seed")
}
