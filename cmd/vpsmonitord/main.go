// Command vpsmonitord is the VPS stock-watcher daemon: it polls
// monitored product pages, fuses independent stock signals, and
// notifies subscribers when availability changes.
//
// Usage:
//
//	vpsmonitord run --config vpsmonitor.yaml
//	vpsmonitord config dump --config vpsmonitor.yaml
//	vpsmonitord poll --config vpsmonitor.yaml --item <item_id>
//	vpsmonitord prune --config vpsmonitor.yaml [--before 2160h]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/kure29/vpsmonitor/aggregator"
	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/config"
	"github.com/kure29/vpsmonitor/dbopen"
	"github.com/kure29/vpsmonitor/detect"
	"github.com/kure29/vpsmonitor/fetcher"
	"github.com/kure29/vpsmonitor/fusion"
	"github.com/kure29/vpsmonitor/observability"
	"github.com/kure29/vpsmonitor/scheduler"
	"github.com/kure29/vpsmonitor/sink"
	"github.com/kure29/vpsmonitor/store"
	"github.com/kure29/vpsmonitor/transition"
)

const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitMigrationFail  = 2
	exitFatal          = 3
	exitCancelled      = 130
)

var logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))

// errMigration marks a store-open failure as schema-migration specific
// so realMain can map it to exit code 2 per the operational surface.
var errMigration = errors.New("vpsmonitord: migration failed")

// errBadConfig marks a config-load failure so realMain can map it to
// exit code 1 rather than the generic fatal-runtime exit code.
var errBadConfig = errors.New("vpsmonitord: invalid config")

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadConfig, err)
	}
	return cfg, nil
}

type runCmd struct {
	Config string `short:"c" long:"config" required:"true" description:"path to the YAML config file"`
}

type configCmd struct {
	Dump dumpCmd `command:"dump" description:"print the resolved, defaulted config as YAML"`
}

type dumpCmd struct {
	Config string `short:"c" long:"config" required:"true" description:"path to the YAML config file"`
}

type pollCmd struct {
	Config string `short:"c" long:"config" required:"true" description:"path to the YAML config file"`
	Item   string `long:"item" required:"true" description:"item_id to poll"`
}

type pruneCmd struct {
	Config string        `short:"c" long:"config" required:"true" description:"path to the YAML config file"`
	Before time.Duration  `long:"before" default:"0s" description:"prune history older than this; 0 uses the configured retention"`
}

var opts struct {
	Run    runCmd    `command:"run" description:"start the daemon"`
	Config configCmd `command:"config" description:"configuration utilities"`
	Poll   pollCmd   `command:"poll" description:"diagnostic one-shot poll of a single item"`
	Prune  pruneCmd  `command:"prune" description:"force a bounded history/ledger prune pass"`
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return exitOK
		}
		return exitConfigInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch parser.Active.Name {
	case "run":
		err = runDaemon(ctx, opts.Run.Config)
	case "config":
		err = dumpConfig(opts.Config.Dump.Config)
	case "poll":
		err = pollOne(ctx, opts.Poll.Config, opts.Poll.Item)
	case "prune":
		err = pruneNow(ctx, opts.Prune.Config, opts.Prune.Before)
	default:
		fmt.Fprintln(os.Stderr, "usage: vpsmonitord run|config dump|poll|prune --config <file>")
		return exitConfigInvalid
	}

	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("vpsmonitord: cancelled", "error", err)
			return exitCancelled
		}
		if errors.Is(err, errMigration) {
			logger.Error("vpsmonitord: migration failed", "error", err)
			return exitMigrationFail
		}
		if errors.Is(err, errBadConfig) {
			logger.Error("vpsmonitord: invalid config", "error", err)
			return exitConfigInvalid
		}
		logger.Error("vpsmonitord: fatal", "error", err)
		return exitFatal
	}
	return exitOK
}

func dumpConfig(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	os.Stdout.Write(data)
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath := filepath.Join(cfg.DataDir, "vpsmonitor.db")
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", errMigration, err)
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", errMigration, err)
	}
	return store.New(db), nil
}

// buildDetectors wires the four independent signals, each bounded by
// cfg.DetectorTimeout so one slow detector can never stall the others'
// contribution to fusion.
func buildDetectors(cfg *config.Config) []detect.Detector {
	return []detect.Detector{
		detect.WithTimeout(detect.NewKeywordDetector(), cfg.DetectorTimeout),
		detect.WithTimeout(detect.NewDomDetector(cfg.Vendors), cfg.DetectorTimeout),
		detect.WithTimeout(detect.NewApiProbe(&http.Client{Timeout: cfg.FetchTimeout}), cfg.DetectorTimeout),
		detect.WithTimeout(detect.NewFingerprintDetector(), cfg.DetectorTimeout),
	}
}

func buildFetcher(cfg *config.Config) (*fetcher.Fetcher, error) {
	opts := []fetcher.Option{fetcher.WithLogger(logger)}
	if cfg.EnableRender {
		pool, err := fetcher.NewBrowserPool(cfg.MaxBrowsers, cfg.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("browser pool: %w", err)
		}
		opts = append(opts, fetcher.WithBrowserPool(pool))
	}
	return fetcher.New(cfg.PerHostMinDelay, cfg.FetchTimeout, opts...), nil
}

func buildSinks(cfg *config.Config) *sink.Router {
	var sinks []sink.Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "webhook":
			sinks = append(sinks, sink.NewWebhook(sc.URL, sink.WithWebhookLogger(logger)))
		case "telegram":
			sinks = append(sinks, sink.NewTelegram(sc.Token))
		case "discord":
			sinks = append(sinks, sink.NewDiscord(sc.URL))
		case "stdout", "":
			sinks = append(sinks, sink.NewStdout(os.Stdout))
		default:
			logger.Warn("vpsmonitord: unknown sink type", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, sink.NewStdout(os.Stdout))
	}
	return sink.NewRouter(logger, sinks...)
}

func seedAdmins(ctx context.Context, s *store.Store, adminIDs []string) error {
	for _, id := range adminIDs {
		if err := s.UpsertUser(ctx, &store.User{UserID: id, IsAdmin: true, NotificationsEnabled: true}); err != nil {
			return fmt.Errorf("seed admin %s: %w", id, err)
		}
	}
	return nil
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.DB.Close()

	if err := seedAdmins(ctx, s, cfg.AdminIDs); err != nil {
		return err
	}

	f, err := buildFetcher(cfg)
	if err != nil {
		return err
	}

	router := buildSinks(cfg)
	defer router.Close()

	c := clock.System()
	events := observability.NewEventLogger(s.DB)
	agg := aggregator.New(s, c, router, cfg.AggregationInterval, cfg.DeliveryTimeout,
		time.Duration(cfg.CooldownSeconds)*time.Second, cfg.DailyNotifyLimit,
		aggregator.WithLogger(logger), aggregator.WithEventLogger(events))

	sch := scheduler.New(s, c, f, buildDetectors(cfg), fusion.Weights(cfg.DetectorWeights), agg, scheduler.Config{
		CheckInterval:       cfg.CheckInterval,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ErrorThreshold:      cfg.ErrorThreshold,
		MaxWorkers:          cfg.MaxWorkers,
		RetryDelay:          cfg.RetryDelay,
		MaxRetries:          cfg.MaxRetries,
		BlockedBackoff:      cfg.BlockedBackoff,
	}, scheduler.WithLogger(logger), scheduler.WithEventLogger(events))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- sch.Run(runCtx) }()
	go func() { errCh <- agg.Run(runCtx) }()

	<-ctx.Done()
	logger.Info("vpsmonitord: shutting down", "grace", cfg.ShutdownGrace)
	cancel()

	grace := time.NewTimer(cfg.ShutdownGrace)
	defer grace.Stop()
	for i := 0; i < 2; i++ {
		select {
		case <-errCh:
		case <-grace.C:
			logger.Warn("vpsmonitord: shutdown grace period elapsed, exiting anyway")
			return nil
		}
	}
	return nil
}

// pollOne runs fetch->detect->fuse->transition for one item without
// enqueuing any notification, and prints the resulting CheckRecord.
func pollOne(ctx context.Context, configPath, itemID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.DB.Close()

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("item %s not found", itemID)
	}

	f, err := buildFetcher(cfg)
	if err != nil {
		return err
	}

	res, err := f.Fetch(ctx, item.URL)
	if err != nil && res == nil {
		return fmt.Errorf("fetch: %w", err)
	}

	detectors := buildDetectors(cfg)
	in := detect.Input{Fetch: res, Item: item}
	var results []detect.Result
	for _, d := range detectors {
		r, derr := d.Run(ctx, in)
		if derr != nil {
			logger.Warn("poll: detector failed", "detector", d.Name(), "error", derr)
			continue
		}
		results = append(results, r)
	}

	verdict := fusion.Combine(results, fusion.Weights(cfg.DetectorWeights), cfg.ConfidenceThreshold)
	history, err := s.RecentHistory(ctx, itemID, 3)
	if err != nil {
		return fmt.Errorf("recent history: %w", err)
	}
	now := time.Now()
	decision := transition.Evaluate(now.UnixMilli(), item, verdict, history, cfg.ConfidenceThreshold)

	detectorJSON, _ := json.Marshal(results)
	check := &store.CheckRecord{
		ItemID:          itemID,
		CheckTime:       now.UnixMilli(),
		Verdict:         verdict.Status,
		Confidence:      verdict.Confidence,
		DetectorResults: string(detectorJSON),
		FingerprintHash: item.FingerprintHash,
	}
	if res != nil {
		check.HTTPStatus = res.HTTPStatus
		check.LatencyMs = res.LatencyMs
	}
	if decision.Event != nil {
		logger.Info("poll: would notify", "kind", decision.Event.Kind, "from", decision.Event.FromStatus, "to", decision.Event.ToStatus)
	}

	out, err := json.MarshalIndent(check, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal check record: %w", err)
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
	return nil
}

func pruneNow(ctx context.Context, configPath string, before time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if before <= 0 {
		before = time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.DB.Close()

	cutoff := time.Now().Add(-before)
	historyCount, err := s.PruneHistory(ctx, cutoff, cfg.HistoryRetentionCount, 0)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	notifCount, err := s.PruneNotifications(ctx, cutoff, 0)
	if err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}

	fmt.Printf("pruned %d check_history rows, %d notification_history rows\n", historyCount, notifCount)
	return nil
}
