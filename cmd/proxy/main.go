// Command proxy is an intercepting HTTP/HTTPS/WebSocket forward proxy.
//
// It terminates CONNECT tunnels behind a locally generated certificate
// authority, issuing per-host leaf certificates on demand, and dispatches
// decrypted traffic — plain HTTP, WebSocket upgrades, and MITM'd HTTPS —
// through a single handler. A companion management API on a separate port
// reports status and metrics and can trigger a rule reload.
//
// Usage:
//
//	proxy generate-ca          # create the root CA the first time
//	proxy serve                # start the proxy (also the default command)
//	proxy version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"interceptproxy/internal/ca"
	"interceptproxy/internal/config"
	"interceptproxy/internal/logger"
	"interceptproxy/internal/management"
	"interceptproxy/internal/proxy"
	"interceptproxy/internal/rule"
	"interceptproxy/internal/version"
)

var flagForceCA bool

var rootCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Intercepting HTTP/HTTPS/WebSocket forward proxy",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy and management servers (default command)",
	RunE:  runServe,
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate a root CA for MITM interception",
	RunE:  runGenerateCA,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite an existing root CA")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCACmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()

	var log *logger.Logger
	if cfg.LogFile != "" {
		log = logger.NewWithFileRotation("PROXY", cfg.LogLevel, cfg.LogFile,
			cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays)
	} else {
		log = logger.New("PROXY", cfg.LogLevel)
	}

	r := rule.NewDefault("default")

	p := proxy.New(cfg, log)
	if err := p.Start(r, nil, nil); err != nil {
		return fmt.Errorf("proxy: start: %w", err)
	}

	mgmt := management.New(cfg, p.Store(), r, p.Metrics(), logger.New("MANAGEMENT", cfg.LogLevel))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("management", "fatal: %v", err)
		}
	}()

	log.Infof("start", "proxy listening on %s:%d (type=%s), management on port %d",
		cfg.BindAddress, cfg.ProxyPort, cfg.Type, cfg.ManagementPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown", "shutdown signal received")

	if err := p.Close(); err != nil {
		return fmt.Errorf("proxy: close: %w", err)
	}
	log.Info("shutdown", "proxy stopped")
	return nil
}

func runGenerateCA(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	log := logger.New("CA", cfg.LogLevel)

	store := ca.New(cfg.CADir, ca.Subject(cfg.CASubject), log)
	keyPath, certPath, err := store.Generate(flagForceCA)
	if err != nil {
		return fmt.Errorf("generate-ca: %w", err)
	}

	fmt.Fprintf(os.Stderr, "CA certificate: %s\n", certPath)
	fmt.Fprintf(os.Stderr, "CA private key: %s\n", keyPath)
	fmt.Fprintln(os.Stderr, "Install the CA certificate on client devices to enable MITM interception.")
	return nil
}
