package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratoml/strato/internal/bench"
	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/json"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/observability"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "strato",
		Short: "Strato - GPU resource pooling and async transfer runtime",
		Long: `Strato manages the performance-critical resource layer of a GPU
inference server: command buffer rings, memory heap pools, and an
asynchronous transfer queue, with statistics for each.`,
	}

	root.AddCommand(versionCmd(), benchCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Strato v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("Transfer workers: %d\n", device.OptimalTransferWorkers())
			fmt.Printf("Unified memory: %v\n", device.UnifiedMemory())
		},
	}
}

func benchCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
		opts        = bench.DefaultOptions()
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a simulated workload and print pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logger.Config{
				Level:    logLevel,
				Encoding: "console",
			}); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				obs, err := observability.NewServer(metricsAddr, nil)
				if err != nil {
					return err
				}
				go func() {
					if err := obs.Start(); err != nil {
						logger.Error("metrics server stopped", zap.Error(err))
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = obs.Shutdown(ctx)
				}()
			}

			res, err := bench.Run(cfg, opts)
			if err != nil {
				logger.Error("benchmark failed", zap.Error(err))
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().IntVar(&opts.Frames, "frames", opts.Frames, "Frames to push through the ring")
	cmd.Flags().IntVar(&opts.Workers, "workers", opts.Workers, "Concurrent issuing workers")
	cmd.Flags().IntVar(&opts.PayloadKB, "payload-kb", opts.PayloadKB, "Upload size per frame in KB")
	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
