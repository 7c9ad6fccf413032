package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/familyguardian/guardiand/internal/supervisor"
	"github.com/familyguardian/guardiand/pkg/logger"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
)

// Build information, set by the release process.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath   string
		overridePath string
		pamPath      string
		adminSocket  string
		logLevel     string
		diagEnabled  bool
	)

	root := &cobra.Command{
		Use:   "guardiand",
		Short: "guardian-daemon: screen-time quotas and curfews for managed accounts",
		Long:  "guardiand enforces daily screen-time quotas and curfew windows for managed user accounts, tracking logind sessions and rewriting PAM login-time rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("guardiand", logLevel)
			infoColor.Printf("guardiand %s (built %s) starting\n", Version, BuildTime)

			sup, err := supervisor.New(supervisor.Config{
				ConfigPath:   configPath,
				OverridePath: overridePath,
				PamPath:      pamPath,
				AdminSocket:  adminSocket,
				DiagEnabled:  diagEnabled,
			}, log)
			if err != nil {
				errorColor.Fprintf(os.Stderr, "startup failed: %v\n", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			go func() {
				for sig := range sigCh {
					switch sig {
					case syscall.SIGHUP:
						log.Info("SIGHUP received, forcing policy reload")
						sup.Reload()
					case syscall.SIGINT, syscall.SIGTERM:
						log.Info("shutdown signal received")
						cancel()
						return
					}
				}
			}()

			err = sup.Run(ctx)
			successColor.Println("guardiand stopped")
			return err
		},
	}

	root.Flags().StringVar(&configPath, "config", "/etc/guardian-daemon/config.yaml", "path to the default configuration file")
	root.Flags().StringVar(&overridePath, "override", "", "path to an optional override configuration file")
	root.Flags().StringVar(&pamPath, "pam-time-conf", "/etc/security/time.conf", "path to the PAM time.conf file guardiand manages")
	root.Flags().StringVar(&adminSocket, "admin-socket", "", "override the config's ipc_socket path")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&diagEnabled, "diag", false, "enable the loopback-only diagnostic HTTP endpoint")

	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the guardiand version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guardiand %s (built %s)\n", Version, BuildTime)
		},
	}
}
