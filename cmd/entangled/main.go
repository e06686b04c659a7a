// Command entangled runs the PII entanglement engine.
//
// It hashes the PII matches of each uploaded document into keyed entanglement
// IDs, keeps one PII-free record per session, and tells the document pipeline
// when a new document shares PII with the session's previous one. Operators
// can build cross-session forensic reports over any batch of sessions.
//
// The hashing key must be supplied through ENTANGLEMENT_KEY (hex or base64),
// ENTANGLEMENT_KEY_FILE, or the config file; there is no unkeyed mode. The
// risk weight table (riskWeights, or RISK_WEIGHTS=ssn=10,email=4) is required
// as well.
//
// Usage:
//
//	# Serve the management API
//	ENTANGLEMENT_KEY=$(openssl rand -hex 32) ./entangled -config entangled.toml
//
//	# One-shot forensic report against a persistent store
//	./entangled -config entangled.toml -report sess-a,sess-b,sess-c [-json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pii-entanglement/internal/config"
	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/forensics"
	"pii-entanglement/internal/hasher"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/management"
	"pii-entanglement/internal/metrics"
	"pii-entanglement/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to a .json, .toml or .yaml config file")
	reportIDs := flag.String("report", "", "comma-separated session IDs: print a forensic report and exit")
	asJSON := flag.Bool("json", false, "with -report, print JSON instead of text")
	flag.Parse()

	log := logger.New("main", "info")
	if err := run(log, *configPath, *reportIDs, *asJSON); err != nil {
		log.Fatalf("startup", "%v", err)
	}
}

// run returns instead of exiting so the session store is always closed.
func run(log *logger.Logger, configPath, reportIDs string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.SetLevel(cfg.LogLevel)

	a, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if reportIDs != "" {
		if err := runReport(a, parseSessionIDs(reportIDs), asJSON, os.Stdout); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		return nil
	}

	printBanner(cfg)
	logWeights(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitorDone := session.StartJanitor(ctx, a.store, time.Duration(cfg.SessionTTL),
		time.Duration(cfg.PruneInterval), log.Named("janitor"), a.metrics)

	var serveErr error
	if cfg.ManagementPort == 0 {
		log.Warn("startup", "Management API disabled (managementPort=0); waiting for signal")
		<-ctx.Done()
	} else {
		mgmt := management.New(cfg, a.engine, a.reports, log.Named("management"))
		// The engine has no other surface, so a dead API ends the process.
		serveErr = mgmt.ListenAndServe(ctx)
		stop()
	}
	<-janitorDone
	if serveErr != nil {
		return serveErr
	}
	log.Info("shutdown", "Stopped")
	return nil
}

// logWeights records the active risk weight table.
func logWeights(log *logger.Logger, cfg *config.Config) {
	w, err := cfg.Weights()
	if err != nil {
		return
	}
	parts := make([]string, 0, len(w))
	for _, t := range entanglement.AllPIITypes {
		if v, ok := w[t]; ok {
			parts = append(parts, fmt.Sprintf("%s=%g", t, v))
		}
	}
	log.Infof("weights", "Risk weights: %s", strings.Join(parts, ", "))
}

// app holds the wired components.
type app struct {
	store   entanglement.RecordStore
	engine  *entanglement.Engine
	reports *forensics.Builder
	metrics *metrics.Metrics
	log     *logger.Logger
}

func build(cfg *config.Config, log *logger.Logger) (*app, error) {
	h, err := hasher.New(cfg.Key())
	if err != nil {
		return nil, err
	}
	weights, err := cfg.Weights()
	if err != nil {
		return nil, err
	}

	m := metrics.New(entanglement.TypeNames()...)
	svc, err := entanglement.NewService(h, weights, entanglement.Options{
		MaxRiskScore:            cfg.MaxRiskScore,
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		Logger:                  log.Named("hashing"),
		Metrics:                 m,
	})
	if err != nil {
		return nil, err
	}

	store, err := session.Open(session.Options{
		Backend:  cfg.StoreBackend,
		Path:     cfg.StorePath,
		Capacity: cfg.StoreCapacity,
		Logger:   log.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	return &app{
		store:  store,
		engine: entanglement.NewEngine(svc, store, log.Named("engine")),
		reports: forensics.NewBuilder(store, forensics.Options{
			Workers: cfg.ForensicWorkers,
			Logger:  log.Named("forensics"),
			Metrics: m,
		}),
		metrics: m,
		log:     log,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnf("shutdown", "close session store: %v", err)
	}
}

// parseSessionIDs splits a comma-separated list, dropping blanks.
func parseSessionIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runReport(a *app, ids []string, asJSON bool, w io.Writer) error {
	rep, err := a.reports.Build(ids)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	forensics.PrintReport(w, rep)
	return nil
}

func printBanner(cfg *config.Config) {
	mgmt := "disabled"
	if cfg.ManagementPort != 0 {
		mgmt = fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ManagementPort)
	}
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = "(in memory)"
	}
	capacity := "unbounded"
	if cfg.StoreCapacity > 0 {
		capacity = fmt.Sprintf("%d sessions (S3-FIFO)", cfg.StoreCapacity)
	}
	auth := "off"
	if cfg.ManagementToken != "" {
		auth = "bearer token"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          PII Entanglement Engine  (Go)               ║
╚══════════════════════════════════════════════════════╝
  Management API  : %s
  Auth            : %s
  Store backend   : %s
  Store path      : %s
  Store capacity  : %s
  Session TTL     : %s
  Forensic workers: %d

  Check status:
    curl http://%s/status
`, mgmt, auth, cfg.StoreBackend, storePath, capacity,
		time.Duration(cfg.SessionTTL), cfg.ForensicWorkers, mgmt)
}
