// Package main provides the catalog binary. It serves a catalog over HTTP
// and runs the database administration commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kubeflow/data-catalog/internal/db"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

var version = "dev"

// cli carries the state shared by all subcommands.
type cli struct {
	vip    *viper.Viper
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{vip: viper.New(), logger: slog.Default()}
	var configFile string

	root := &cobra.Command{
		Use:   "catalog",
		Short: "Serve and administer a hierarchical data catalog",
		Long: `catalog serves a tree of metadata nodes, data sources and assets over
HTTP and manages the SQL database behind it.

Every flag may also be set with a CATALOG_ environment variable (for
example --listen-addr as CATALOG_LISTEN_ADDR) or in a YAML file passed
with --config.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig(cmd, configFile)
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().String("storage-root", "", "Directory for writable data (default: CATALOG_STORAGE_ROOT or ./data)")

	root.SetGlobalNormalizationFunc(normalizeFlagName)

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newInitCmd(c))
	root.AddCommand(newAdminCmd(c))
	root.AddCommand(newRemoteCmd(c))
	return root
}

// normalizeFlagName accepts underscores in flag names, so --database_uri
// matches --database-uri as it does in the config file.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// loadConfig binds flags, environment and the optional config file into
// the viper instance and sets up the logger.
func (c *cli) loadConfig(cmd *cobra.Command, file string) error {
	if err := c.vip.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	c.vip.SetEnvPrefix("CATALOG")
	c.vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	c.vip.AutomaticEnv()
	if file != "" {
		c.vip.SetConfigFile(file)
		if err := c.vip.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.vip.GetString("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	return nil
}

// openDatabase opens the database at uri, or the one configured through
// CATALOG_DATABASE_URI when uri is empty.
func (c *cli) openDatabase(uri string) (*db.Manager, error) {
	cfg, err := db.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if uri != "" {
		if err := cfg.SetURI(uri); err != nil {
			return nil, err
		}
	}
	return db.Open(cfg, c.logger)
}

// openCatalog wraps a migrated database in a catalog.
func (c *cli) openCatalog(ctx context.Context, mgr *db.Manager, opts ...catalog.Option) (*catalog.Catalog, error) {
	cfg := catalog.ConfigFromEnv()
	if root := c.vip.GetString("storage-root"); root != "" {
		cfg.StorageRoot = root
	}
	opts = append([]catalog.Option{catalog.WithConfig(cfg), catalog.WithLogger(c.logger)}, opts...)
	return catalog.New(ctx, mgr, opts...)
}

func (c *cli) outputFormat() (outputFormat, error) {
	return parseOutputFormat(c.vip.GetString("output"))
}

func main() {
	_ = flag.Set("logtostderr", "true")
	if err := newRootCmd().Execute(); err != nil {
		glog.Exitf("catalog: %v", err)
	}
}
