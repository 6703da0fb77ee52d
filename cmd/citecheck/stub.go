// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/stubserver"
)

var stubCmd = &cobra.Command{
	Use:   "stub-server",
	Short: "Run a local fake of the analysis service",
	Long: `Stub-server runs an in-process fake of the analysis service for demos and
manual testing. Every analysis walks through a scripted sequence of stages,
one stage per fetch. Analysis #1 is preloaded: it waits for two reference
papers ([1] and [2]) and then grades three quotes. Papers submitted to the
stub follow the same script.

Register accounts for login with --user email:password.`,
	Args: cobra.NoArgs,
	RunE: runStub,
}

func runStub(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	users, _ := cmd.Flags().GetStringSlice("user")

	if viper.GetString("log_level") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := stubserver.New(stubserver.WithLogger(logger))
	s.AddJob(1, stubserver.DemoJob())
	for _, u := range users {
		email, password, ok := strings.Cut(u, ":")
		if !ok || email == "" {
			return fmt.Errorf("invalid --user %q, want email:password", u)
		}
		s.AddUser(email, password)
	}

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Stub analysis service listening on %s\n", addr)
	logger.Info("stub server started", zap.String("addr", addr), zap.Int("users", len(users)))

	select {
	case err := <-errc:
		return err
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stub server stopped")
	return nil
}

func init() {
	stubCmd.Flags().String("addr", ":8000", "listen address")
	stubCmd.Flags().StringSlice("user", nil, "account accepted by login, as email:password (repeatable)")
	rootCmd.AddCommand(stubCmd)
}
