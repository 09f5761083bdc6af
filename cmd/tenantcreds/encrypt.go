package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/costq/tenantcreds/internal/config"
	"github.com/costq/tenantcreds/internal/crypto"
	"github.com/costq/tenantcreds/internal/secrets"
	goutils "github.com/jkaninda/go-utils"
)

var encryptConfigPath string

func init() {
	encryptCmd.Flags().StringVar(&encryptConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt <value>",
	Short: "Encrypt a value with the configured master key",
	Long: `Encrypt a value with the configured master key.

The output can be stored directly in an account record, for example
when seeding static keys through a migration instead of the API.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(goutils.Env("TENANTCREDS_CONFIG", encryptConfigPath))
		if err != nil {
			return err
		}

		provider, err := secrets.FromConfig(cfg.Secrets)
		if err != nil {
			return err
		}
		masterKey, err := provider.Resolve(cmd.Context(), cfg.MasterKey.KeyRef())
		if err != nil {
			return err
		}

		cipher, err := crypto.NewCipherFromEncodedKey(masterKey.Value)
		if err != nil {
			return err
		}
		out, err := cipher.Encrypt(args[0])
		if err != nil {
			return err
		}

		fmt.Println(out)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new master key",
	Long: `Generate a new master key and print it encoded.

Store the key in the configured secret backend; it never needs to
appear on disk in plaintext outside that backend.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}
