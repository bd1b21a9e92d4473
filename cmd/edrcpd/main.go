// Command edrcpd is the EDR control plane server: it wires together the
// agent registry, command queue, IOC store, stream broker, liveness
// monitor, IOC push orchestrator, and admin HTTP surface, then serves the
// bidirectional gRPC channel and unary RPCs agents and the auto-response
// collaborator talk to.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/Will-Luck/edr-control-plane/internal/admin"
	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/config"
	"github.com/Will-Luck/edr-control-plane/internal/events"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/liveness"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/matchstore"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
	"github.com/Will-Luck/edr-control-plane/internal/result"
	"github.com/Will-Luck/edr-control-plane/internal/security"
	"github.com/Will-Luck/edr-control-plane/internal/streambroker"
	"github.com/Will-Luck/edr-control-plane/internal/wire"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
//
// version defaults to "dev" for untagged local builds; commit defaults to
// "unknown" when git info isn't available (e.g. a Docker build without
// --build-arg COMMIT=...).
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("edr-control-plane starting", "version", versionString())

	values := cfg.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Info("config", "key", k, "value", values[k])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()

	agentCol, err := persist.OpenCollection(cfg.DataDir, "agents", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open agents collection", "error", err)
		os.Exit(1)
	}
	resultCol, err := persist.OpenCollection(cfg.DataDir, "command_results", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open command_results collection", "error", err)
		os.Exit(1)
	}
	matchCol, err := persist.OpenCollection(cfg.DataDir, "ioc_matches", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open ioc_matches collection", "error", err)
		os.Exit(1)
	}
	iocCol, err := persist.OpenCollection(cfg.DataDir, "iocs", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open iocs collection", "error", err)
		os.Exit(1)
	}
	enrollCol, err := persist.OpenCollection(cfg.DataDir, "enroll_tokens", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open enroll_tokens collection", "error", err)
		os.Exit(1)
	}
	revokedCol, err := persist.OpenCollection(cfg.DataDir, "revoked_certs", clk, log, cfg.SaveInterval())
	if err != nil {
		log.Error("failed to open revoked_certs collection", "error", err)
		os.Exit(1)
	}

	agents := agent.New(clk, loadAgentSeed(agentCol, log))
	iocStore := ioc.New(clk, loadIOCSeed(iocCol, log), loadIOCVersion(iocCol, log))
	metrics.AgentsRegistered.Set(float64(len(agents.All())))
	metrics.IOCVersion.Set(float64(iocStore.Version()))
	matches := matchstore.New(matchCol)
	results := result.New(resultCol)
	queue := command.NewQueue(bus)

	ca, err := security.EnsureCA(cfg.DataDir)
	if err != nil {
		log.Error("failed to establish certificate authority", "error", err)
		os.Exit(1)
	}

	enrollHMACKey, err := resolveEnrollHMACKey(cfg, log)
	if err != nil {
		log.Error("failed to resolve enrollment HMAC key", "error", err)
		os.Exit(1)
	}

	broker := streambroker.New(cfg, clk, log, bus, agents, queue, results, iocStore, matches, agentCol)

	grpcServer := newGRPCServer(cfg, log, revokedCol)
	wire.RegisterControlPlaneServer(grpcServer, broker)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("failed to listen for gRPC", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		log.Info("gRPC control plane listening", "addr", cfg.GRPCAddr, "tls", cfg.TLSEnabled(), "mtls", cfg.MTLSRequired())
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server exited", "error", err)
		}
	}()

	adminSrv := admin.New(cfg.AdminToken, log, clk, agents, iocStore, matches, results, broker.Orchestrator(),
		cfg.MetricsEnabled, ca, enrollCol, revokedCol, iocCol, enrollHMACKey, cfg.EnrollTokenTTL)
	httpSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminSrv.Handler()}
	go func() {
		log.Info("admin HTTP surface listening", "addr", cfg.AdminAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin HTTP server exited", "error", err)
		}
	}()

	monitor := liveness.New(cfg, clk, log, agents, agentCol)
	go monitor.Run(ctx)

	var textfileStop chan struct{}
	if cfg.MetricsTextfile != "" {
		textfileStop = make(chan struct{})
		go runMetricsTextfileLoop(cfg, log, textfileStop)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if textfileStop != nil {
		close(textfileStop)
	}
	monitor.Stop()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()

	for _, col := range []*persist.Collection{agentCol, resultCol, matchCol, iocCol, enrollCol, revokedCol} {
		if err := col.ForceSave(); err != nil {
			log.Error("failed to force-save collection on shutdown", "error", err)
		}
	}
	log.Info("edr-control-plane stopped")
}

// newGRPCServer builds the gRPC server with mTLS when configured, falling
// back to an unencrypted transport with a logged warning when no server
// certificate is present.
func newGRPCServer(cfg *config.Config, log *logging.Logger, revokedCol *persist.Collection) *grpc.Server {
	if !cfg.TLSEnabled() {
		log.Warn("EDRCP_TLS_CERT/EDRCP_TLS_KEY not set, falling back to unencrypted gRPC transport")
		return grpc.NewServer()
	}

	revokedFn := func(serial string) bool {
		var entry security.RevocationEntry
		ok, err := revokedCol.Get(serial, &entry)
		return err == nil && ok
	}

	tlsCfg, err := security.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSCACert, revokedFn)
	if err != nil {
		log.Error("failed to build server TLS config, falling back to unencrypted transport", "error", err)
		return grpc.NewServer()
	}
	return grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
}

// resolveEnrollHMACKey decodes the configured enrollment-token HMAC key, or
// generates an ephemeral one with a logged warning when unset -- restarting
// without a persisted key invalidates outstanding enrollment tokens, which
// is an acceptable tradeoff since tokens are short-lived and single-use.
func resolveEnrollHMACKey(cfg *config.Config, log *logging.Logger) ([]byte, error) {
	if cfg.EnrollHMACKeyHex == "" {
		log.Warn("EDRCP_ENROLL_HMAC_KEY not set, generating an ephemeral key for this process")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral enroll hmac key: %w", err)
		}
		return key, nil
	}
	key, err := hex.DecodeString(cfg.EnrollHMACKeyHex)
	if err != nil {
		return nil, fmt.Errorf("EDRCP_ENROLL_HMAC_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// loadAgentSeed decodes every persisted agent record into the map shape
// agent.New expects, skipping (and logging) any record that fails to parse
// rather than aborting startup -- consistent with PersistentStore's
// per-collection, not per-record, corruption recovery.
func loadAgentSeed(col *persist.Collection, log *logging.Logger) map[string]*agent.Agent {
	raw := col.All()
	if len(raw) == 0 {
		return nil
	}
	seed := make(map[string]*agent.Agent, len(raw))
	for id, msg := range raw {
		var rec agent.Agent
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Warn("skipping unparseable persisted agent record", "agent_id", id, "error", err)
			continue
		}
		seed[id] = &rec
	}
	return seed
}

// loadIOCSeed reconstructs the IOC store's snapshot from its persisted
// collection, or returns nil for a fresh empty store.
func loadIOCSeed(col *persist.Collection, log *logging.Logger) *ioc.Snapshot {
	var snap ioc.Snapshot
	ok, err := col.Get(ioc.SnapshotKey, &snap)
	if err != nil {
		log.Error("failed to decode persisted ioc snapshot, starting empty", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &snap
}

// loadIOCVersion reads the persisted IOC version record, or 0 if absent.
func loadIOCVersion(col *persist.Collection, log *logging.Logger) int {
	var rec ioc.VersionRecord
	ok, err := col.Get(ioc.VersionKey, &rec)
	if err != nil {
		log.Error("failed to decode persisted ioc version, starting at 0", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return rec.Version
}

// runMetricsTextfileLoop periodically writes the current edrcp_ metrics to
// cfg.MetricsTextfile for node_exporter's textfile collector to pick up,
// on the liveness check interval since there is no other natural periodic
// hook to piggyback on.
func runMetricsTextfileLoop(cfg *config.Config, log *logging.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
			}
		}
	}
}
