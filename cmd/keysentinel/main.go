// Command keysentinel is the per-host anti-keylogger agent. It loads a YAML
// configuration file, enforces the recorded consent marker before any
// monitoring starts, and drives an interactive menu over the probe/decision
// pipeline: start monitoring, take a snapshot, list processes by risk, view
// event history, and export reports. When the configuration carries a
// dashboard address, detections and monitor events are also queued locally
// and streamed to a fleet collector over mTLS gRPC.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/keysentinel/agent/internal/admin"
	"github.com/keysentinel/agent/internal/config"
	"github.com/keysentinel/agent/internal/consent"
	"github.com/keysentinel/agent/internal/decision"
	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/heuristics"
	"github.com/keysentinel/agent/internal/monitor"
	"github.com/keysentinel/agent/internal/probe"
	"github.com/keysentinel/agent/internal/queue"
	"github.com/keysentinel/agent/internal/report"
	"github.com/keysentinel/agent/internal/reportlog"
	"github.com/keysentinel/agent/internal/transport"
	"github.com/keysentinel/agent/internal/ui"
)

// healthAddr is the liveness endpoint's listen address.
const healthAddr = ":9090"

// timestampLayout is the filename-safe timestamp suffix shared by every
// exported report, matching the convention internal/admin and
// internal/reportlog already use for quarantine manifests and log rotation.
const timestampLayout = "20060102_150405"

func main() {
	configPath := flag.String("config", "/etc/keysentinel/config.yaml", "path to the keysentinel YAML configuration file")
	queuePath := flag.String("queue-path", "", "path to the local SQLite report queue database (overrides config queue_path)")
	mock := flag.Bool("mock", false, "use the synthetic mock probe instead of the real platform probe")
	adminEnabled := flag.Bool("admin", false, "enable administrative actions (terminate/suspend/quarantine)")
	quiet := flag.Bool("quiet", false, "suppress non-critical informational output")
	jsonOut := flag.Bool("json", false, "emit export/report output as JSON only, skipping the interactive menu")
	noEmoji := flag.Bool("no-emoji", false, "strip emoji from terminal output")
	interval := flag.Float64("interval", 0, "monitor cycle interval in seconds (overrides config interval_seconds)")
	outputDir := flag.String("output-dir", "", "directory for exports and detection.log (overrides config output_dir)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keysentinel: %v\n", err)
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.IntervalSeconds = *interval
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *queuePath != "" {
		cfg.QueuePath = *queuePath
	}
	if *adminEnabled {
		cfg.AdminEnabled = true
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("sensitivity", cfg.Sensitivity),
		slog.Float64("interval_seconds", cfg.IntervalSeconds),
		slog.String("output_dir", cfg.OutputDir),
	)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("failed to create output directory", slog.String("path", cfg.OutputDir), slog.Any("error", err))
		os.Exit(1)
	}

	out := ui.NewPlainUI(os.Stdout, os.Stdin)
	out.NoEmoji = *noEmoji
	out.Quiet = *quiet

	consentStore := consent.New(filepath.Join(cfg.OutputDir, consent.DefaultFileName))
	if !consentStore.IsValidWithin(cfg.ConsentValidDays) {
		out.PrintWarning("keysentinel monitors running processes on this host for anti-keylogger analysis.")
		agree, err := out.PromptYesNo("Record consent and continue?")
		if err != nil || !agree {
			out.PrintError("consent declined; exiting")
			os.Exit(1)
		}
		if err := consentStore.RecordNow(); err != nil {
			logger.Error("failed to record consent", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var p probe.Probe
	if *mock {
		p = probe.NewMockProbe()
		logger.Info("using mock probe")
	} else {
		p = probe.NewPlatformProbe()
	}

	engine := heuristics.NewEngine(heuristics.Sensitivity(cfg.Sensitivity))
	core := decision.NewCore()

	reportLog, err := reportlog.Open(filepath.Join(cfg.OutputDir, "detection.log"), cfg.DetectionLogCapBytes)
	if err != nil {
		logger.Error("failed to open detection log", slog.Any("error", err))
		os.Exit(1)
	}
	defer reportLog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var q *queue.SQLiteQueue
	var grpcTransport *transport.GRPCClient
	if cfg.Dashboard.Addr != "" {
		q, err = queue.New(cfg.QueuePath)
		if err != nil {
			logger.Error("failed to open report queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("report queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

		grpcTransport = transport.New(transport.ClientConfig{
			Addr:         cfg.Dashboard.Addr,
			CertPath:     cfg.Dashboard.CertPath,
			KeyPath:      cfg.Dashboard.KeyPath,
			CAPath:       cfg.Dashboard.CAPath,
			Platform:     runtime.GOOS,
			AgentVersion: cfg.Dashboard.AgentVersion,
		}, q, logger)
		if err := grpcTransport.Start(ctx); err != nil {
			logger.Error("failed to start report transport", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var adm *admin.Admin
	if cfg.AdminEnabled {
		adm = admin.New(filepath.Join(cfg.OutputDir, "quarantine"), admin.GopsutilProcessControl{})
	}

	mon := monitor.New(p, engine, core, logger, monitor.WithInterval(secondsToDuration(cfg.IntervalSeconds)), monitor.WithSubscribers(
		func(ev factmodel.MonitorEvent) {
			if err := reportLog.AppendJSON(ev); err != nil {
				logger.Warn("detection log append failed", slog.Any("error", err))
			}
			if grpcTransport != nil {
				if err := grpcTransport.SendEvent(ctx, ev); err != nil {
					logger.Warn("report transport send failed", slog.Any("error", err))
				}
			}
		},
	))

	healthServer := &http.Server{
		Addr:         healthAddr,
		Handler:      healthzMux(mon),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("healthz server listening", slog.String("addr", healthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		mon.Stop()
		if grpcTransport != nil {
			grpcTransport.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("healthz server shutdown error", slog.Any("error", err))
		}
		cancel()
		os.Exit(0)
	}()

	rep := report.New()

	cli := &cliApp{
		ui:        out,
		logger:    logger,
		mon:       mon,
		admin:     adm,
		reporter:  rep,
		outputDir: cfg.OutputDir,
		transport: grpcTransport,
		ctx:       ctx,
	}

	if *jsonOut {
		cli.runHeadless()
		return
	}

	out.PrintBanner()
	cli.runMenu()

	mon.Stop()
	if grpcTransport != nil {
		grpcTransport.Stop()
	}
	logger.Info("keysentinel exited cleanly")
}

// cliApp holds everything the interactive menu handlers need.
type cliApp struct {
	ui        ui.Adapter
	logger    *slog.Logger
	mon       *monitor.Monitor
	admin     *admin.Admin
	reporter  *report.Reporter
	outputDir string
	transport *transport.GRPCClient
	ctx       context.Context
}

// runHeadless runs one detect cycle and prints the summary as JSON, for
// --json non-interactive invocations (e.g. scripted/CI use).
func (c *cliApp) runHeadless() {
	entries, err := c.mon.Snapshot(c.ctx)
	if err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot failed: %v", err))
		os.Exit(1)
	}
	nowTime := time.Now().UTC()
	now := nowTime.Format(time.RFC3339)
	path := filepath.Join(c.outputDir, "summary_"+nowTime.Format(timestampLayout)+".json")
	if err := c.reporter.ExportSummaryJSON(path, entries, c.mon.EventLog(), now); err != nil {
		c.ui.PrintError(fmt.Sprintf("export failed: %v", err))
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report.BuildSummary(entries, c.mon.EventLog(), now)); err != nil {
		c.ui.PrintError(fmt.Sprintf("summary output failed: %v", err))
		os.Exit(1)
	}
}

// runMenu drives the interactive loop described by ui.PlainUI.PrintMenu.
func (c *cliApp) runMenu() {
	for {
		c.ui.PrintMenu()
		choice, err := c.ui.PromptInput(">")
		if err != nil {
			return
		}
		switch choice {
		case "1":
			c.startMonitoring()
		case "2":
			c.snapshot()
		case "3":
			c.listRisky()
		case "4":
			c.eventHistory()
		case "5":
			c.export()
		case "0":
			c.ui.PrintInfo("exiting")
			return
		default:
			c.ui.PrintWarning("unrecognized choice: " + choice)
		}
	}
}

func (c *cliApp) startMonitoring() {
	if c.mon.State() == monitor.StateRunning {
		c.ui.PrintWarning("monitoring is already running")
		return
	}
	if err := c.mon.Start(c.ctx); err != nil {
		c.ui.PrintError(fmt.Sprintf("failed to start monitoring: %v", err))
		return
	}
	c.ui.PrintSuccess("monitoring started")
}

func (c *cliApp) snapshot() {
	entries, err := c.mon.Snapshot(c.ctx)
	if err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot failed: %v", err))
		return
	}
	headers := []string{"PID", "NAME", "HOOK", "RISK"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		hook := "-"
		if e.Hook.HookID != 0 {
			hook = string(e.Hook.HookType)
		}
		rows = append(rows, []string{
			strconv.Itoa(e.Process.PID),
			e.Process.Name,
			hook,
			string(e.Assessment.Level),
		})
	}
	c.ui.PrintTable(headers, rows, 3)
}

func (c *cliApp) listRisky() {
	entries, err := c.mon.Snapshot(c.ctx)
	if err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot failed: %v", err))
		return
	}
	headers := []string{"PID", "NAME", "SCORE", "RISK", "EXPLANATION"}
	var rows [][]string
	for _, e := range entries {
		if e.Assessment.Level == factmodel.RiskLow || e.Assessment.Level == factmodel.RiskUnknown {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(e.Assessment.PID),
			e.Assessment.Name,
			strconv.Itoa(e.Assessment.Score),
			string(e.Assessment.Level),
			e.Assessment.Explanation,
		})
	}
	if len(rows) == 0 {
		c.ui.PrintInfo("no medium/high risk processes observed")
		return
	}
	c.ui.PrintTable(headers, rows, 3)

	if c.admin != nil {
		c.maybeTakeAction()
	}
}

// maybeTakeAction offers terminate/suspend/quarantine against a PID from the
// just-printed risk table, each gated behind an explicit confirmation.
func (c *cliApp) maybeTakeAction() {
	pidStr, err := c.ui.PromptInput("PID to act on (blank to skip):")
	if err != nil || pidStr == "" {
		return
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		c.ui.PrintWarning("invalid PID: " + pidStr)
		return
	}

	action, err := c.ui.PromptInput("action [terminate/suspend/quarantine]:")
	if err != nil {
		return
	}

	confirmed, err := c.ui.PromptYesNo(fmt.Sprintf("confirm %s on PID %d?", action, pid))
	if err != nil || !confirmed {
		c.ui.PrintInfo("action cancelled")
		return
	}

	switch action {
	case "terminate":
		if err := c.admin.Terminate(pid, false); err != nil {
			c.ui.PrintError(fmt.Sprintf("terminate failed: %v", err))
			return
		}
		c.ui.PrintSuccess(fmt.Sprintf("terminated PID %d", pid))
	case "suspend":
		if err := c.admin.Suspend(pid); err != nil {
			c.ui.PrintError(fmt.Sprintf("suspend failed: %v", err))
			return
		}
		c.ui.PrintSuccess(fmt.Sprintf("suspended PID %d", pid))
	case "quarantine":
		path, err := c.ui.PromptInput("executable path to quarantine:")
		if err != nil || path == "" {
			return
		}
		dest, err := c.admin.Quarantine(path, admin.QuarantineMeta{PID: pid})
		if err != nil {
			c.ui.PrintError(fmt.Sprintf("quarantine failed: %v", err))
			return
		}
		c.ui.PrintSuccess("quarantined to " + dest)
	default:
		c.ui.PrintWarning("unrecognized action: " + action)
	}
}

func (c *cliApp) eventHistory() {
	events := c.mon.EventLog()
	if len(events) == 0 {
		c.ui.PrintInfo("no events recorded this session")
		return
	}
	headers := []string{"TIME", "TYPE", "DETAILS"}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Format(time.RFC3339),
			string(ev.EventType),
			ev.Details,
		})
	}
	c.ui.PrintTable(headers, rows, -1)
}

func (c *cliApp) export() {
	entries, err := c.mon.Snapshot(c.ctx)
	if err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot failed: %v", err))
		return
	}
	nowTime := time.Now().UTC()
	now := nowTime.Format(time.RFC3339)
	stamp := nowTime.Format(timestampLayout)
	events := c.mon.EventLog()

	snapJSONPath := filepath.Join(c.outputDir, "snapshot_"+stamp+".json")
	if err := c.reporter.ExportSnapshotJSON(snapJSONPath, entries, now); err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot json export failed: %v", err))
		return
	}
	snapCSVPath := filepath.Join(c.outputDir, "snapshot_"+stamp+".csv")
	if err := c.reporter.ExportSnapshotCSV(snapCSVPath, entries); err != nil {
		c.ui.PrintError(fmt.Sprintf("snapshot csv export failed: %v", err))
		return
	}

	eventsJSONPath := filepath.Join(c.outputDir, "events_"+stamp+".json")
	if err := c.reporter.ExportEventsJSON(eventsJSONPath, events, now); err != nil {
		c.ui.PrintError(fmt.Sprintf("events json export failed: %v", err))
		return
	}
	eventsCSVPath := filepath.Join(c.outputDir, "events_"+stamp+".csv")
	if err := c.reporter.ExportEventsCSV(eventsCSVPath, events); err != nil {
		c.ui.PrintError(fmt.Sprintf("events csv export failed: %v", err))
		return
	}

	summaryPath := filepath.Join(c.outputDir, "summary_"+stamp+".json")
	if err := c.reporter.ExportSummaryJSON(summaryPath, entries, events, now); err != nil {
		c.ui.PrintError(fmt.Sprintf("summary export failed: %v", err))
		return
	}

	c.ui.PrintSuccess(fmt.Sprintf("exported %s, %s, %s, %s, %s", snapJSONPath, snapCSVPath, eventsJSONPath, eventsCSVPath, summaryPath))
}

// healthzMux serves liveness status derived from the monitor's own State.
func healthzMux(mon *monitor.Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state":%q}`, mon.State())
	})
	return mux
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
