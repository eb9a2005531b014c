// cmd/relayctl/token.go
// token 子命令 - 簽發、列出、撤銷 client token

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mail-relay/internal/database"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

var (
	tokenName        string
	tokenDepartment  string
	tokenPermissions []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage client tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a client JWT and register it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tokens, err := openTokenService()
		if err != nil {
			return err
		}
		resp, err := tokens.Issue(cmd.Context(), models.CreateTokenRequest{
			ClientName:  tokenName,
			Department:  tokenDepartment,
			Permissions: tokenPermissions,
		})
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return json.NewEncoder(w).Encode(resp)
		}
		fmt.Fprintf(w, "Client ID: %s\n", resp.ClientID)
		fmt.Fprintf(w, "Token:     %s\n", resp.Token)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client tokens",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tokens, err := openTokenService()
		if err != nil {
			return err
		}
		list, err := tokens.List(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT ID\tNAME\tPERMISSIONS\tACTIVE\tCREATED")
		for _, t := range list {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%t\t%s\n",
				t.ClientID, t.ClientName, []string(t.Permissions), t.IsActive, t.CreatedAt.Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <client-id>",
	Short: "Revoke a client token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := openTokenService()
		if err != nil {
			return err
		}
		if err := tokens.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenName, "name", "", "client name")
	tokenCreateCmd.Flags().StringVar(&tokenDepartment, "department", "", "department")
	tokenCreateCmd.Flags().StringSliceVar(&tokenPermissions, "permissions", []string{models.PermissionSend}, "permissions (send, admin)")
	_ = tokenCreateCmd.MarkFlagRequired("name")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

func openTokenService() (*services.TokenService, error) {
	cfg, log, err := loadEnv()
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not set")
	}
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return services.NewTokenService(cfg.JWTSecret, db, log), nil
}
