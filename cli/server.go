// ABOUTME: Setup CLI commands: local dev server, login, and config management
// ABOUTME: The dev server runs the in-memory authoritative store over HTTP and WebSocket
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/harperreed/dealsync/config"
	"github.com/harperreed/dealsync/devserver"
	"github.com/harperreed/dealsync/remote"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"
)

func (a *app) devServerCmd() *cobra.Command {
	var addr, token, seedPath string

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run an in-memory deal server for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := devserver.NewStore()
			if seedPath != "" {
				n, err := seedStore(store, seedPath)
				if err != nil {
					return err
				}
				a.logger.Info("seeded dev server", "path", seedPath, "deals", n)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := devserver.New(store, devserver.Options{Token: token, Logger: a.logger.Logger})
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "Listen address")
	cmd.Flags().StringVar(&token, "token", "", "Require this bearer token on API requests")
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON file mapping organization IDs to arrays of deals")
	return cmd
}

// seedStore loads {"org": [deal, ...]} from path into store.
func seedStore(store *devserver.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed map[string][]map[string]any
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to decode seed file: %w", err)
	}

	orgs := make([]string, 0, len(seed))
	for org := range seed {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	total := 0
	for _, org := range orgs {
		records := seed[org]
		for _, r := range records {
			if _, ok := r["organization_id"]; !ok {
				r["organization_id"] = org
			}
		}
		if err := store.Seed(org, records...); err != nil {
			return total, fmt.Errorf("failed to seed %s: %w", org, err)
		}
		total += len(records)
	}
	return total, nil
}

func (a *app) loginCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the server bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				var err error
				if token, err = promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Token: "); err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("token is required")
			}

			path := remote.TokenPath(a.cfg.DataPath())
			if err := remote.SaveToken(path, &oauth2.Token{AccessToken: token, TokenType: "Bearer"}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Token saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (prompted for when omitted)")
	return cmd
}

// promptSecret reads one line from in, hiding the echo when in is a terminal.
func promptSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	_, _ = fmt.Fprint(prompt, label)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return string(secret), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return line, nil
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the config file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config file from the current settings and --server/--org",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(a.configPath, cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Config written to %s\n", a.configPath)
			return nil
		},
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shown := *a.cfg
			if shown.Token != "" {
				shown.Token = "********"
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"path":   a.configPath,
				"config": shown,
				"queue":  shown.QueuePath(),
				"cache":  shown.DurablePath(),
			})
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
