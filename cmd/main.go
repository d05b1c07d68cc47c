// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nas-connector/pkg/common"
	"nas-connector/pkg/config"
	"nas-connector/pkg/database"
	"nas-connector/pkg/engine"
	"nas-connector/pkg/models"
	"nas-connector/pkg/registry"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nas-connector",
	Short: "Resolve, reach and authenticate against NAS devices by cloud identity",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default config.yaml in ., $HOME/.nas-connector, /etc/nas-connector)")

	pairCmd.Flags().StringP("username", "u", "", "Device account name")
	pairCmd.Flags().StringP("password", "p", "", "Device password (or NASCONN_PASSWORD)")
	pairCmd.Flags().StringP("name", "n", "", "Display name of the device")
	pairCmd.Flags().String("address", "", "Log in against this address instead of the discovered one")
	_ = pairCmd.MarkFlagRequired("username")

	resolveCmd.Flags().BoolP("force", "f", false, "Skip the cached address and run a full resolution")
	diagnoseCmd.Flags().String("resolver", "8.8.8.8", "DNS resolver to query")
	diagnoseCmd.Flags().StringSlice("proto", []string{"udp", "tcp"}, "Protocols to test (udp, tcp)")

	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
}

func initConfig() {
	viper.SetEnvPrefix("NASCONN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.nas-connector")
		viper.AddConfigPath("/etc/nas-connector/")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// app is what every command needs: settings, the engine and its store.
type app struct {
	settings  config.Settings
	transport string
	engine    *engine.Engine
	db        *database.DB
}

func (a *app) Close() {
	a.engine.Close()
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(ctx context.Context) (*app, error) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	transport, err := config.ResolveTransport(ctx, &http.Client{Timeout: settings.APITimeout}, settings.Transport)
	if err != nil {
		return nil, fmt.Errorf("error resolving transport: %w", err)
	}

	a := &app{settings: settings, transport: transport}
	var store registry.Store
	switch settings.StoreDriver {
	case "postgres":
		a.db, err = initDB(ctx, settings.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		store = database.NewDeviceStore(a.db)
	default:
		store = registry.NewMemoryStore()
	}

	a.engine, err = engine.New(settings, transport, store, clock.New(), logger)
	if err != nil {
		if a.db != nil {
			a.db.Close()
		}
		return nil, err
	}

	if err := a.seedDevices(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// seedDevices registers the devices declared in the config file that the
// store does not know yet.
func (a *app) seedDevices(ctx context.Context) error {
	entries, err := config.Devices(viper.GetViper())
	if err != nil {
		return err
	}
	for _, e := range entries {
		err := a.engine.Registry().Add(ctx, &models.Device{
			Identity: e.Identity,
			Name:     e.Name,
			Username: e.Username,
			Password: e.Password,
		})
		if err != nil && !errors.Is(err, common.ErrDuplicateDevice) {
			return fmt.Errorf("error registering %s: %w", e.Identity, err)
		}
	}
	return nil
}

func initDB(ctx context.Context, dsn string) (*database.DB, error) {
	db, err := database.NewDB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

// requirePersistent exits when the store would lose the change on exit.
func (a *app) requirePersistent(command string) {
	if a.settings.Persistent() {
		return
	}
	logger.Error("Command needs a persistent store, set store.driver to postgres",
		"command", command, "store", a.settings.StoreDriver)
	a.Close()
	os.Exit(1)
}

// mustApp builds the app or exits.
func mustApp(ctx context.Context) *app {
	a, err := newApp(ctx)
	if err != nil {
		logger.Error("Error initializing", "error", err)
		os.Exit(1)
	}
	return a
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
