// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/citecheck/internal/render"
	"github.com/pdiddy/citecheck/internal/secrets"
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the access token",
	Long: `Login exchanges an email and password for an access token and stores it in
the credentials directory. The password is read from --password, the
CITECHECK_PASSWORD environment variable, or the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	email := args[0]
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = viper.GetString("password")
	}
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	cfg := clientConfig()
	tok, err := newClient(cfg).Login(cmd.Context(), email, password)
	if err != nil {
		return userError(err)
	}
	if err := secrets.Save(cfg.CredentialsDir, secrets.TokenKey, tok.AccessToken); err != nil {
		return err
	}

	msg := fmt.Sprintf("Logged in as %s", email)
	if info, err := secrets.InspectToken(tok.AccessToken); err == nil && !info.ExpiresAt.IsZero() {
		msg += fmt.Sprintf(" (token expires %s)", info.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Remove(clientConfig().CredentialsDir, secrets.TokenKey); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the user of the stored access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := viper.GetString("token")
		if tok == "" {
			tok = loadedSecrets[secrets.TokenKey]
		}
		if tok == "" {
			return fmt.Errorf("not logged in")
		}
		info, err := secrets.InspectToken(tok)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:    %s\n", info.Subject)
		switch {
		case info.ExpiresAt.IsZero():
			fmt.Fprintln(out, "Expires: never")
		case info.Expired(time.Now()):
			fmt.Fprintf(out, "Expires: %s (expired, run citecheck login)\n", info.ExpiresAt.Local().Format(time.RFC1123))
		default:
			fmt.Fprintf(out, "Expires: %s\n", info.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the analyses of the logged-in user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient(clientConfig()).ListAnalyses(cmd.Context())
		if err != nil {
			return userError(err)
		}
		render.Analyses(cmd.OutOrStdout(), list.Analyses)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("password", "", "account password (prefer CITECHECK_PASSWORD or stdin)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(listCmd)
}
