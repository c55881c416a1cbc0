package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/internal/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configPath string
	serverURL  string
	storeKind  string
	storePath  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sessiongate",
	Short: "SessionGate keeps an identity service session alive",
	Long: `A command line client for an HTTP identity service. It stores the issued
token pair, renews it transparently and gates account surfaces behind the
optional second factor. "sessiongate serve" runs a development identity
service implementing the same API.`,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	pf.StringVar(&serverURL, "server", "", "Identity service base URL")
	pf.StringVar(&storeKind, "store", "", "Credential store driver: bolt, sqlite or memory")
	pf.StringVar(&storePath, "store-path", "", "Credential store file")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server.BaseURL = serverURL
	}
	if flags.Changed("store") {
		cfg.Store.Driver = storeKind
		if !flags.Changed("store-path") {
			cfg.Store.Path = config.DefaultStorePath(storeKind)
		}
	}
	if flags.Changed("store-path") {
		cfg.Store.Path = storePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
