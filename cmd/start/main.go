package start

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alpacahq/txlog/executor"
	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/metrics"
	"github.com/alpacahq/txlog/utils"
	"github.com/alpacahq/txlog/utils/log"
)

const (
	usage                 = "start"
	short                 = "Recover a log directory and keep it checkpointed"
	long                  = "This command recovers the transaction log in the configured directory, then checkpoints it periodically and serves its metrics until it is stopped"
	example               = "txlog start --config <path>"
	defaultConfigFilePath = "./txlog.yml"
	configDesc            = "set the path for the txlog YAML configuration file"

	diskUsageMonitorInterval = 10 * time.Minute
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up", "recover"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
	metricsAddr    string
	checkpointEach time.Duration
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
	Cmd.Flags().StringVar(&metricsAddr, "metrics", ":8080", "listen address of the prometheus metrics endpoint")
	Cmd.Flags().DurationVar(&checkpointEach, "checkpoint-interval", 5*time.Minute, "time between scheduled checkpoints")
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	config, err := utils.LoadLogConfig(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to txlog.yml at the moment) are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	cfg, err := executor.ConfigFromLogConfig(config, wal.StoreID{})
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	// The anchor of the previous run seeds the transaction ids.
	tail, err := executor.NewTailScanner(cfg).Scan()
	if err != nil {
		return fmt.Errorf("tail scan: %w", err)
	}
	ids := executor.NewInMemoryTransactionIDStore(wal.TransactionID{}, wal.LogPosition{})
	if cp := tail.LastCheckpoint; cp != nil {
		ids = executor.NewInMemoryTransactionIDStore(cp.TransactionID, cp.Position)
	}

	log.Info("initializing transaction log...")
	inst, err := executor.Startup(globalCtx, cfg, logOnlyStorage{}, ids)
	if err != nil {
		return err
	}

	go metrics.StartDiskUsageMonitor(globalCtx, metrics.LogDiskUsage, inst.LogDir, diskUsageMonitorInterval)
	go inst.Log.RunCheckpointer(globalCtx, checkpointEach)

	// Set monitoring handler.
	log.Info("launching prometheus metrics server...")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGHUP:
				log.Info("reloading %s due to SIGHUP request", configFilePath)
				reload(inst.Log)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				globalCancel()
				if err2 := srv.Close(); err2 != nil {
					log.Error("failed to close metrics server: %v", err2)
				}
				return
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		globalCancel()
		_ = inst.Log.Close(context.Background())
		return fmt.Errorf("failed to start server - error: %w", err)
	}

	log.Info("exiting...")
	return inst.Log.Close(context.Background())
}

func reload(txLog *executor.TransactionLog) {
	config, err := utils.LoadLogConfig(configFilePath)
	if err != nil {
		log.Error("failed to reload configuration: %v", err)
		return
	}
	if err := txLog.UpdateConfig(config); err != nil {
		log.Error("failed to apply configuration: %v", err)
	}
}

// logOnlyStorage is the storage engine of a stand-alone log: recovery
// replays into it and it is always durable.
type logOnlyStorage struct{}

func (logOnlyStorage) Apply(_ context.Context, e wal.Entry, mode executor.ApplyMode) error {
	log.Debug("[%s] %s of transaction %d", mode, e.Kind(), e.TxID())
	return nil
}

func (logOnlyStorage) Flush(context.Context) error { return nil }
