package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/larkrelay/pkg/auth"
	"github.com/sipeed/larkrelay/pkg/channels"
)

var showToken bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Fetch a tenant access token to check Lark credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if t := cfg.Lark.Timeout(); t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}

		tokens := auth.NewTenantTokenProvider(cfg.Lark, channels.NewLarkClient(cfg.Lark, nil))
		tok, err := tokens.FetchAccessToken(ctx)
		if err != nil {
			return err
		}

		if showToken {
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "credentials OK (token %s)\n", mask(tok))
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&showToken, "show", false, "print the full token")
}

func mask(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
