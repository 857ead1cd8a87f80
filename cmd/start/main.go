package start

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/emberdb/ember/db"
	"github.com/emberdb/ember/utils"
	"github.com/emberdb/ember/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start an ember database server"
	long                  = "This command starts an ember database server"
	example               = "ember start --config <path>"
	defaultConfigFilePath = "./ember.yml"
	configDesc            = "set the path for the ember YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	// Don't output command usage for runtime errors past this point.
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	config.StartTime = time.Now()

	log.Info("initializing ember...")
	database, err := db.Open(config.RootDirectory, &db.Options{
		WALSegmentSize:  config.WALSegmentSize,
		SyncOnLog:       config.SyncOnLog,
		ChunkRange:      config.ChunkRange.Milliseconds(),
		MinChunkSamples: config.MinChunkSamples,
		CompactInterval: config.CompactInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("recovered database at %v, state: %v", config.RootDirectory, database.State())

	// Set monitoring handler.
	log.Info("launching prometheus metrics server...")
	http.Handle("/metrics", promhttp.Handler())

	// Spawn a goroutine and listen for a signal.
	signalChan := make(chan os.Signal, 10)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				if err2 := database.Close(); err2 != nil {
					log.Error("failed to close database cleanly: %v", err2)
					os.Exit(1)
				}
				log.Info("exiting...")
				os.Exit(0)
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	log.Info("launching tcp listener for all services...")
	if err := http.ListenAndServe(":"+config.ListenPort, nil); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}
