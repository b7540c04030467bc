package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"heirloom/api/internal/apiclient"
)

func (c *cli) loginCmd() *cobra.Command {
	var (
		protocolKey string
		name        string
		password    string
		role        string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to a family archive",
		Long: `Login signs in with the family's shared password and pulls the tree into
the offline cache. The password is read from stdin when --password is not set.

Example:
  heirloom login --server https://archive.example.org --key smith --name Avery
  echo "$PASS" | heirloom login --key smith --name Avery --role viewer`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if protocolKey == "" {
				protocolKey = c.cfg.GetString(cfgKeyProtocolKey)
			}
			if name == "" {
				name = c.cfg.GetString(cfgKeyUserName)
			}
			if protocolKey == "" || name == "" {
				return errors.New("--key and --name are required on first login")
			}
			if password == "" {
				var err error
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			session, err := c.api().Login(ctx, apiclient.LoginRequest{
				ProtocolKey: protocolKey,
				Name:        name,
				Password:    password,
				Role:        role,
			})
			if err != nil {
				return err
			}
			cache, err := c.store()
			if err != nil {
				return err
			}
			if err := cache.SetFamily(ctx, session.ProtocolKey, session.FamilyName); err != nil {
				return err
			}
			c.cfg.Set(cfgKeyProtocolKey, session.ProtocolKey)
			c.cfg.Set(cfgKeyUserName, session.UserName)
			if err := saveConfig(c.cfg); err != nil {
				return err
			}
			c.pull(ctx)

			if c.jsonOutput {
				return c.printJSON(map[string]any{"userName": session.UserName, "role": session.Role, "protocolKey": session.ProtocolKey})
			}
			c.printf("Signed in to %s as %s (%s)\n", orDash(session.FamilyName), session.UserName, session.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&protocolKey, "key", "", "family protocol key")
	cmd.Flags().StringVar(&name, "name", "", "your name in the family archive")
	cmd.Flags().StringVar(&password, "password", "", "family password (read from stdin when empty)")
	cmd.Flags().StringVar(&role, "role", "", "ask for a lower role: viewer, annotator or editor")
	return cmd
}

func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password required")
	}
	return password, nil
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := c.api().Logout(cmd.Context())
			// The client forgets its tokens either way; make sure the
			// config does too.
			if saveErr := storeTokens(c.cfg, apiclient.Tokens{}); saveErr != nil {
				return saveErr
			}
			if err != nil && apiclient.StatusOf(err) != http.StatusUnauthorized {
				return fmt.Errorf("server logout failed, local session cleared: %w", err)
			}
			c.printf("Signed out\n")
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	var showRejects bool
	var clearRejects bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the offline cache and sync queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cache, err := c.store()
			if err != nil {
				return err
			}
			if clearRejects {
				if err := cache.ClearRejects(ctx); err != nil {
					return err
				}
			}
			st, err := cache.Status(ctx)
			if err != nil {
				return err
			}
			rejects, err := cache.Rejected(ctx)
			if err != nil {
				return err
			}

			if c.jsonOutput {
				return c.printJSON(map[string]any{
					"server":      c.cfg.GetString(cfgKeyServer),
					"protocolKey": st.ProtocolKey,
					"familyName":  st.FamilyName,
					"user":        c.cfg.GetString(cfgKeyUserName),
					"loggedIn":    c.cfg.GetString(cfgKeyRefreshToken) != "",
					"queued":      st.QueueLen,
					"rejects":     rejects,
					"cursor":      st.Cursor,
					"lastSync":    st.LastSync,
					"lastError":   st.LastError,
				})
			}

			c.printf("Server:     %s\n", c.cfg.GetString(cfgKeyServer))
			c.printf("Family:     %s (%s)\n", orDash(st.FamilyName), orDash(st.ProtocolKey))
			c.printf("User:       %s\n", orDash(c.cfg.GetString(cfgKeyUserName)))
			c.printf("Queued ops: %d\n", st.QueueLen)
			c.printf("Rejected:   %d\n", st.Rejects)
			c.printf("Cursor:     %d\n", st.Cursor)
			if !st.LastSync.IsZero() {
				c.printf("Last sync:  %s\n", st.LastSync.Local().Format(time.RFC1123))
			}
			if st.LastError != "" {
				c.printf("Last error: %s\n", st.LastError)
			}
			if showRejects && len(rejects) > 0 {
				rows := make([][]string, 0, len(rejects))
				for _, r := range rejects {
					rows = append(rows, []string{string(r.Entity), string(r.Action), r.EntityID, r.Reason})
				}
				c.printf("\n")
				return c.printTable([]string{"ENTITY", "ACTION", "ID", "REASON"}, rows)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showRejects, "rejects", false, "list ops the server refused")
	cmd.Flags().BoolVar(&clearRejects, "clear-rejects", false, "forget refused ops")
	return cmd
}
