package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"heirloom/api/internal/apiclient"
	"heirloom/api/internal/logging"
	"heirloom/api/internal/offline"
)

// cli holds what every command shares. The cache and client are opened on
// first use so that commands which need neither stay cheap.
type cli struct {
	configPath string
	jsonOutput bool

	cfg    *viper.Viper
	logger *zap.Logger
	cache  *offline.Store
	client *apiclient.Client
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}
	root := &cobra.Command{
		Use:           "heirloom",
		Short:         "Heirloom keeps a family archive in sync with an offline cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}
	root.SetOut(c.out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default ~/.heirloom/config.yaml)")
	flags.String("server", "", "API base URL")
	flags.String("data-dir", "", "offline cache directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&c.jsonOutput, "json", false, "print JSON")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.syncCmd(),
		c.peopleCmd(),
		c.memoriesCmd(),
		c.messagesCmd(),
		c.exportCmd(),
		c.snapshotCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	c.out = cmd.OutOrStdout()
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	for key, flag := range map[string]string{cfgKeyServer: "server", cfgKeyDataDir: "data-dir", cfgKeyLogLevel: "log-level"} {
		if err := cfg.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	logger, err := logging.New(cfg.GetString(cfgKeyLogLevel))
	if err != nil {
		return err
	}
	c.cfg, c.logger = cfg, logger
	return nil
}

func (c *cli) close() error {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if c.cache == nil {
		return nil
	}
	err := c.cache.Close()
	c.cache = nil
	return err
}

func (c *cli) store() (*offline.Store, error) {
	if c.cache != nil {
		return c.cache, nil
	}
	cache, err := offline.Open(c.cfg.GetString(cfgKeyDataDir))
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return cache, nil
}

// api returns a client that persists refreshed tokens to the config file.
func (c *cli) api() *apiclient.Client {
	if c.client != nil {
		return c.client
	}
	c.client = apiclient.New(c.cfg.GetString(cfgKeyServer),
		apiclient.WithTokens(tokensFrom(c.cfg)),
		apiclient.WithTokenCallback(func(tokens apiclient.Tokens) {
			if err := storeTokens(c.cfg, tokens); err != nil {
				c.logger.Warn("save tokens", zap.Error(err))
			}
		}),
	)
	return c.client
}

// requireLogin fails early when no session was ever stored.
func (c *cli) requireLogin() error {
	if c.cfg.GetString(cfgKeyRefreshToken) == "" {
		return fmt.Errorf("%w: run heirloom login", apiclient.ErrNotLoggedIn)
	}
	return nil
}

func (c *cli) syncer() (*offline.Syncer, error) {
	cache, err := c.store()
	if err != nil {
		return nil, err
	}
	return offline.NewSyncer(cache, c.api(), c.logger), nil
}

// pull refreshes the cache after a direct API write. A failure only warns;
// the next sync catches up.
func (c *cli) pull(ctx context.Context) {
	syncer, err := c.syncer()
	if err == nil {
		_, err = syncer.Pull(ctx)
	}
	if err != nil {
		c.logger.Warn("refresh offline cache", zap.Error(err))
	}
}
