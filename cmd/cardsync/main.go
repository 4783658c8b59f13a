package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/openmined/cardsync/internal/config"
	"github.com/openmined/cardsync/internal/credential"
	"github.com/openmined/cardsync/internal/directory"
	"github.com/openmined/cardsync/internal/logging"
	"github.com/openmined/cardsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// commands annotated with this skip config loading
	annotationNoConfig = "cardsync/no-config"
	// commands annotated with this log to stdout and the log file
	annotationDaemon = "cardsync/daemon"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

type configKey struct{}

func newRootCmd() *cobra.Command {
	var logCloser io.Closer

	rootCmd := &cobra.Command{
		Use:           "cardsync",
		Short:         "Keep local address books in sync with CardDAV, S3 and vCard folders",
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, skip := cmd.Annotations[annotationNoConfig]; skip {
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logOpts := logging.Options{Level: cfg.LogLevel, Stdout: cmd.ErrOrStderr()}
			if _, daemon := cmd.Annotations[annotationDaemon]; daemon {
				logOpts.Stdout = nil
				logOpts.File = filepath.Join(cfg.DataDir, "logs", "cardsync.log")
			}
			if logCloser, err = logging.Setup(logOpts); err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.DefaultConfigPath, "cardsync config file")
	flags.StringP("data-dir", "d", "", "directory holding the card stores and logs")
	flags.String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		newDaemonCmd(),
		newSyncCmd(),
		newCardsCmd(),
		newDiscoverCmd(),
		newCredentialsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), red("error:"), err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if envPath := os.Getenv(config.EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	return config.Load(v, path)
}

func configFrom(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return cfg
}

// openRegistry opens the named directories, or all of them when none are given.
func openRegistry(ctx context.Context, cfg *config.Config, names ...string) (*directory.Registry, error) {
	scoped := *cfg
	if len(names) > 0 {
		scoped.Directories = nil
		for _, name := range names {
			d, err := cfg.Directory(name)
			if err != nil {
				return nil, err
			}
			scoped.Directories = append(scoped.Directories, *d)
		}
	}
	if len(scoped.Directories) == 0 {
		return nil, config.ErrNoDirectories
	}

	var creds *credential.Store
	for _, d := range scoped.Directories {
		if !d.UseKeyring {
			continue
		}
		var err error
		if creds, err = openCredentials(cfg); err != nil {
			return nil, err
		}
		break
	}

	reg, err := directory.Open(ctx, &scoped, directory.Options{Backends: directory.DefaultBackends(creds)})
	if errors.Is(err, directory.ErrDirectoryLocked) {
		return nil, fmt.Errorf("%w (is the daemon running? use its HTTP API instead)", err)
	}
	return reg, err
}

func openCredentials(cfg *config.Config) (*credential.Store, error) {
	return credential.Open(filepath.Join(filepath.Dir(cfg.Path), "credentials"))
}
