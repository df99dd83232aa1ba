package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tablestream/s3pipe/internal/config"
	"github.com/tablestream/s3pipe/internal/engine"
	"github.com/tablestream/s3pipe/internal/monitoring"
	"github.com/tablestream/s3pipe/internal/tablefunc"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile   string
	accessKey string
	secretKey string
	format    string
	structure string

	rootCmd = &cobra.Command{
		Use:   "s3pipe",
		Short: "s3pipe streams tabular data to and from S3-compatible object stores",
		Long: `s3pipe is the standalone driver for the s3 table function engine: it streams
serialized rows into an S3-compatible object store (switching to multipart
upload for large payloads) or streams them back out, honoring the configured
remote host allow-list and following store-issued redirects.

The put subcommand reads rows from stdin and writes them to the object URL;
the get subcommand writes the object's rows to stdout. Credentials are
optional: without them requests are made anonymously.

Configuration is read from a YAML file (--config) or S3PIPE_* environment
variables.`,
	}

	putCmd = &cobra.Command{
		Use:   "put <url>",
		Short: "Stream rows from stdin into an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTableFunction(args[0], func(ctx context.Context, tf *tablefunc.TableFunction, req *tablefunc.Request) error {
				return tf.Insert(ctx, req, os.Stdin)
			})
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <url>",
		Short: "Stream an object's rows to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTableFunction(args[0], func(ctx context.Context, tf *tablefunc.TableFunction, req *tablefunc.Request) error {
				reader, err := tf.Select(ctx, req)
				if err != nil {
					return err
				}
				defer reader.Close()
				_, err = io.Copy(os.Stdout, reader)
				return err
			})
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("s3pipe %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().StringVar(&accessKey, "access-key", "", "object store access key (omit for anonymous access)")
	rootCmd.PersistentFlags().StringVar(&secretKey, "secret-key", "", "object store secret key")
	rootCmd.PersistentFlags().StringVar(&format, "format", "CSV", "row serialization format of the payload")
	rootCmd.PersistentFlags().StringVar(&structure, "structure", "", "column structure of the payload, e.g. 'column1 UInt32, column2 UInt32'")

	rootCmd.AddCommand(putCmd, getCmd, versionCmd)
}

func initConfig() {
	config.InitConfig(cfgFile)
}

// runTableFunction loads the configuration, brings the engine up, and executes
// one table function invocation with signal-driven cancellation.
func runTableFunction(url string, run func(context.Context, *tablefunc.TableFunction, *tablefunc.Request) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	args := []string{url, format, structure}
	if accessKey != "" || secretKey != "" {
		args = []string{url, accessKey, secretKey, format, structure}
	}
	req, err := tablefunc.ParseArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("Received shutdown signal, cancelling operation...")
		cancel()
	}()

	if cfg.Monitoring.Enabled {
		monitoringServer := monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
		go func() {
			if err := monitoringServer.Start(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	return run(ctx, tablefunc.New(engine.New(cfg)), req)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
