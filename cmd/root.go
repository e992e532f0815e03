package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
)

// Options holds shared flags for the camera session commands
type Options struct {
	InputPath      string
	Format         string
	FPS            int
	Realtime       bool
	Name           string
	MatchThreshold float64
}

var (
	// Store is the identity store shared by subcommands
	Store *store.Store
	// Cfg is the resolved configuration
	Cfg *config.Config
	// Log is the structured logger shared by subcommands
	Log *logger.Logger

	configPath  string
	storeDriver string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "On-device face enrollment, verification and liveness checks",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if storeDriver != "" {
			Cfg.Store.Driver = storeDriver
			if err := Cfg.Validate(); err != nil {
				return err
			}
		}
		Log = logger.New(Cfg.LogLevel)

		backend, err := openBackend(cmd.Context(), Cfg, Log)
		if err != nil {
			// Keep going with an empty store; LoadAll below reports it
			backend = unavailableBackend{err: err}
		}
		Store = store.New(backend, Cfg.EmbeddingDim, Log)

		if err := Store.LoadAll(cmd.Context()); err != nil {
			var loadErr *store.LoadError
			if !errors.As(err, &loadErr) {
				return err
			}
			fmt.Fprintf(os.Stderr, "⚠️  %v\n⚠️  Continuing with an empty identity store. Enrollments may not be saved.\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Store != nil {
			if err := Store.Close(); err != nil {
				Log.Warn("failed to close identity store", "error", err)
			}
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadDotEnv)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with pipeline and store settings (overrides environment)")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Identity store driver: sqlite, postgres or memory (default from STORE_DRIVER)")
}

// loadDotEnv reads .env from the working directory if present. Real environment variables win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to read .env: %v\n", err)
	}
}
