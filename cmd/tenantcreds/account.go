package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/costq/tenantcreds/internal/account"
	"github.com/costq/tenantcreds/internal/config"
	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/sts"
	goutils "github.com/jkaninda/go-utils"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage registered tenant accounts",
}

var (
	accountConfigPath string

	addAccountID  string
	addAlias      string
	addRegion     string
	addAuthType   string
	addAccessKey  string
	addSecretKey  string
	addRoleARN    string
	addExternalID string
)

func init() {
	accountCmd.PersistentFlags().StringVar(&accountConfigPath, "config", config.DefaultConfigPath(), "path to config file")

	addCmd.Flags().StringVar(&addAccountID, "account-id", "", "AWS account number (required)")
	addCmd.Flags().StringVar(&addAlias, "alias", "", "display name, e.g. \"production\"")
	addCmd.Flags().StringVar(&addRegion, "region", "us-east-1", "default region for this account")
	addCmd.Flags().StringVar(&addAuthType, "auth-type", "role_assumption", "\"static_keys\" or \"role_assumption\"")
	addCmd.Flags().StringVar(&addAccessKey, "access-key", "", "plaintext access key (static_keys; or TENANTCREDS_ADD_ACCESS_KEY)")
	addCmd.Flags().StringVar(&addSecretKey, "secret-key", "", "plaintext secret key (static_keys; or TENANTCREDS_ADD_SECRET_KEY)")
	addCmd.Flags().StringVar(&addRoleARN, "role-arn", "", "IAM role ARN (role_assumption)")
	addCmd.Flags().StringVar(&addExternalID, "external-id", "", "external ID bound to the role (role_assumption)")

	accountCmd.AddCommand(addCmd, listCmd, deleteCmd, verifyCmd)
}

func accountShared(ctx context.Context) (*SharedComponents, error) {
	logger := newLogger()
	cfg, err := config.Load(goutils.Env("TENANTCREDS_CONFIG", accountConfigPath))
	if err != nil {
		return nil, err
	}
	return initShared(ctx, cfg, logger)
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a tenant account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if addAccountID == "" {
			return fmt.Errorf("--account-id is required")
		}

		ctx := cmd.Context()
		sc, err := accountShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		rec := &account.Record{
			AccountID: addAccountID,
			Alias:     addAlias,
			Region:    addRegion,
			AuthType:  account.AuthType(addAuthType),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}

		switch rec.AuthType {
		case account.AuthTypeStaticKeys:
			accessKey := goutils.Env("TENANTCREDS_ADD_ACCESS_KEY", addAccessKey)
			secretKey := goutils.Env("TENANTCREDS_ADD_SECRET_KEY", addSecretKey)
			if accessKey == "" || secretKey == "" {
				return fmt.Errorf("static_keys requires --access-key and --secret-key")
			}
			if rec.EncryptedAccessKey, err = sc.Cipher.Encrypt(accessKey); err != nil {
				return fmt.Errorf("encrypting access key: %w", err)
			}
			if rec.EncryptedSecretKey, err = sc.Cipher.Encrypt(secretKey); err != nil {
				return fmt.Errorf("encrypting secret key: %w", err)
			}
		case account.AuthTypeRoleAssumption:
			rec.RoleARN = addRoleARN
			rec.ExternalID = addExternalID
		}

		if err := rec.Validate(); err != nil {
			return err
		}
		if err := sc.Store.Accounts().Create(ctx, rec); err != nil {
			return err
		}

		fmt.Printf("account %s (%s) registered with auth type %s\n", rec.AccountID, rec.Alias, rec.AuthType)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tenant accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sc, err := accountShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		recs, err := sc.Store.Accounts().List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT ID\tALIAS\tREGION\tAUTH TYPE\tROLE ARN")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.AccountID, rec.Alias, rec.Region, rec.AuthType, rec.RoleARN)
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <account-id>",
	Short: "Delete a tenant account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sc, err := accountShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		if err := sc.Store.Accounts().Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("account %s deleted\n", args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <account-id>",
	Short: "Resolve the account's credential and verify it against AWS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sc, err := accountShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		cred, err := sc.Resolver.Resolve(ctx, args[0])
		if err != nil {
			return err
		}

		id, err := sts.WhoAmI(credentials.BindWithRefresh(ctx, cred, sc.Resolver))
		if err != nil {
			return err
		}

		fmt.Printf("account:   %s (%s)\n", cred.AccountID, cred.Alias)
		fmt.Printf("auth type: %s\n", cred.AuthType)
		fmt.Printf("caller:    %s\n", id.ARN)
		if !cred.ExpiresAt.IsZero() {
			fmt.Printf("expires:   %s\n", cred.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}
