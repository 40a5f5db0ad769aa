package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"resourcepool/config"
	"resourcepool/connection"
	"resourcepool/probe"
)

// log init
func init() {
	logDir := "./logs"
	os.MkdirAll(logDir, 0755)

	// Configure log rotation with lumberjack
	fileLogger := &lumberjack.Logger{
		Filename:   logDir + "/resourcepool.log",
		MaxSize:    100,  // MB
		MaxBackups: 7,    // Keep 7 old log files
		MaxAge:     30,   // Days
		Compress:   true, // Compress old log files
	}

	// Output to both file and stdout (for systemd)
	multiWriter := io.MultiWriter(os.Stdout, fileLogger)
	log.SetOutput(multiWriter)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	log.SetLevel(log.InfoLevel)
}

func main() {

	configPath := flag.String("config", "resourcepool.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config.SetupLogger(cfg)

	log.Info("========================================")
	log.Info("Resource Pool Relay")
	log.Info("========================================")
	log.Infof("Listen: %s (mux=%v)", cfg.Listen.Addr, cfg.Listen.Mux)
	log.Infof("Upstream: %s (mux=%v)", cfg.Upstream.Addr, cfg.Upstream.Mux)
	log.Infof("Pool: initial=%d max=%d acquire_timeout=%dms",
		cfg.Pool.InitialCap, cfg.Pool.MaxCap, cfg.Pool.AcquireTimeoutMs)
	log.Infof("Log Level: %s", cfg.Log.Level)

	applyPoolSettings(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := startListener(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Listen.Addr, err)
	}
	log.Infof("Listening on %s", listener.Addr().String())

	var scheduler *probe.Scheduler
	if cfg.Probe.Enabled {
		scheduler = startProbing(cfg)
	}

	go runHostSnapshots(ctx)

	var watcher *config.Watcher
	if cfg.Etcd.Enabled {
		watcher, err = config.NewWatcher(cfg.Etcd.Endpoints, cfg.Etcd.ConfigKey)
		if err != nil {
			log.Fatalf("Failed to create config watcher: %v", err)
		}
		go func() {
			if err := watcher.Watch(ctx, func(updated *config.Config) {
				applyConfigUpdate(cfg, updated)
			}); err != nil {
				log.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Resource pool relay init success")

	sig := <-signalChan
	log.Infof("Received signal: %v, shutting down", sig)

	cancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if watcher != nil {
		watcher.Close()
	}

	connection.CloseAllSessions()
	connection.CloseAllPools()

	time.Sleep(1 * time.Second)
}

// applyPoolSettings installs the configured capacities as the default
// for pools created from now on.
func applyPoolSettings(cfg *config.Config) {
	connection.DefaultPoolConfig = connection.PoolConfig{
		InitialCap:     cfg.Pool.InitialCap,
		MaxCap:         cfg.Pool.MaxCap,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeoutMs) * time.Millisecond,
	}
}

// applyConfigUpdate reacts to a config update from etcd. Capacity
// changes rebuild the pools; any other update rotates the pooled
// connections in place.
func applyConfigUpdate(current, updated *config.Config) {
	if updated.Pool != current.Pool {
		log.Infof("Pool settings changed, rebuilding pools: initial=%d max=%d acquire_timeout=%dms",
			updated.Pool.InitialCap, updated.Pool.MaxCap, updated.Pool.AcquireTimeoutMs)

		applyPoolSettings(updated)
		connection.CloseAllSessions()
		connection.CloseAllPools()
		current.Pool = updated.Pool
		return
	}

	log.Info("Config updated, rotating pooled connections")
	connection.ReloadAllPools()
}

func startProbing(cfg *config.Config) *probe.Scheduler {
	targets := make([]probe.Target, 0, len(cfg.Probe.Targets))
	for _, addr := range cfg.Probe.Targets {
		targets = append(targets, probe.Target{Name: addr, Addr: addr})
	}

	prober := probe.NewProber(
		time.Duration(cfg.Probe.TimeoutMs)*time.Millisecond,
		cfg.Probe.RatePerSec,
	)

	scheduler, err := probe.NewScheduler(prober,
		probe.SchedulerConfig{
			Interval: time.Duration(cfg.Probe.IntervalSec) * time.Second,
			Workers:  cfg.Probe.Workers,
		},
		func() []probe.Target { return targets },
		logProbeResults,
	)
	if err != nil {
		log.Errorf("Failed to create probe scheduler: %v", err)
		return nil
	}

	scheduler.Start()
	return scheduler
}

func logProbeResults(results []probe.Result) {
	for _, result := range results {
		if !result.Success {
			log.Warnf("Probe failed for %s: %v", result.Target.Addr, result.Err)
		}
	}
}

// runHostSnapshots logs local machine health periodically alongside
// the probe rounds.
func runHostSnapshots(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	logHostSnapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logHostSnapshot()
		}
	}
}

func logHostSnapshot() {
	snapshot, err := probe.TakeHostSnapshot()
	if err != nil {
		log.Errorf("Failed to collect host snapshot: %v", err)
		return
	}

	log.Infof("Host health: cpu=%.1f%% mem=%.1f%% load1=%.2f load5=%.2f uptime=%ds",
		snapshot.CPUPercent, snapshot.MemUsedPercent, snapshot.Load1, snapshot.Load5, snapshot.Uptime)
}
