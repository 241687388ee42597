package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/windsayl/internal/config"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "windsayl-api",
		Short: "Windsayl social backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	triggersCmd := &cobra.Command{
		Use:   "triggers",
		Short: "Consume the event stream and run document triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriggerWorker(cmd.Context())
		},
	}
	rootCmd.AddCommand(serveCmd, triggersCmd)

	setupFlags(rootCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to dotenv file loaded before reading the environment")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	flags.String("signing-secret", "", "Bearer token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	flags.String("storage-root", defaults.GetString("storage.root"), "Directory holding uploaded media")
	flags.String("storage-public-url", defaults.GetString("storage.public_url"), "Public base URL for uploaded media")
	flags.String("nats-url", defaults.GetString("events.nats_url"), "NATS server URL; empty keeps events in process")
	flags.Bool("run-triggers", defaults.GetBool("events.run_triggers"), "Run document triggers inside the API process")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the profile cache; empty uses memory")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "storage.public_url", "storage-public-url")
	bindFlag(cmd, "events.nats_url", "nats-url")
	bindFlag(cmd, "events.run_triggers", "run-triggers")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}

var errNoEventBus = errors.New("triggers: events.nats_url is required to run a standalone trigger worker")
