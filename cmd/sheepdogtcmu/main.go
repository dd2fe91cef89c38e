// Command sheepdogtcmu exports a Sheepdog virtual disk as a TCMU-backed
// SCSI block device.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tcmu "github.com/sheepdog-project/sheepdog-tcmu"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "sheepdogtcmu",
		Short: "Export a Sheepdog VDI as a TCMU SCSI block device",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/sheepdogtcmu.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach the configured volume and serve SCSI commands until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tcmu.LoadConfig(configPath)
			if err != nil {
				return err
			}

			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				level, err := logrus.ParseLevel(cfg.Log.Level)
				if err != nil {
					return err
				}
				logrus.SetLevel(level)
			}

			var metrics *tcmu.Metrics
			if cfg.Metrics.Enabled {
				metrics = tcmu.NewMetrics(cfg.Volume)
				reg := prometheus.NewRegistry()
				metrics.MustRegister(reg)
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
						logrus.WithError(err).Error("metrics server stopped")
					}
				}()
			}

			backend := tcmu.NewBackend(cfg, metrics)
			if err := backend.Open(); err != nil {
				return err
			}
			defer backend.Close()

			logrus.Infof("sheepdogtcmu attached %s from %s", cfg.Volume, cfg.Endpoint)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt)
			<-sigChan
			logrus.Info("received interrupt, shutting down")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sheepdogtcmu dev")
		},
	}
}
