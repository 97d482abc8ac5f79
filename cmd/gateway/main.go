// Command gateway runs the pay-per-request capability gateway: it loads the
// native/partner registry, wires the payment gate to either a remote
// facilitator or the self-hosted local one, and serves every endpoint of
// §6 over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentpay/gateway/internal/backend"
	"github.com/agentpay/gateway/internal/config"
	"github.com/agentpay/gateway/internal/discovery"
	"github.com/agentpay/gateway/internal/dispatcher"
	"github.com/agentpay/gateway/internal/gwctx"
	"github.com/agentpay/gateway/internal/ingress"
	"github.com/agentpay/gateway/internal/ledger"
	"github.com/agentpay/gateway/internal/logging"
	"github.com/agentpay/gateway/internal/orchestrator"
	"github.com/agentpay/gateway/internal/paygate"
	"github.com/agentpay/gateway/internal/registry"
	"github.com/agentpay/gateway/internal/reliability"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownDrainTimeout = 10 * time.Second

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(logging.NewZapHandler(logLevel)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		slog.Error("registry load failed", "err", err)
		os.Exit(1)
	}
	slog.Info("registry loaded", "capabilities", len(reg.List()))

	led, err := ledger.Open(cfg.LedgerDSN)
	if err != nil {
		slog.Error("ledger open failed", "err", err)
		os.Exit(1)
	}
	defer led.Close()

	facilitator, err := buildFacilitator(cfg)
	if err != nil {
		slog.Error("facilitator init failed", "err", err)
		os.Exit(1)
	}

	testPeers := mustPrefixes(cfg.TestBypassPeers)

	gate := paygate.New(paygate.Config{
		Network:           cfg.Network,
		PayTo:             cfg.GatewayPayTo,
		USDCAddress:       cfg.USDCAddress,
		USDCDomainName:    cfg.USDCDomainName,
		USDCDomainVersion: cfg.USDCDomainVersion,
		GatewayURL:        cfg.GatewayURL,
		FacilitatorURL:    cfg.FacilitatorURL,
		TestBypassKey:     cfg.TestBypassKey,
		TestBypassPeers:   testPeers,
		ReplayWindow:      cfg.ReplayWindow,
		Facilitator:       facilitator,
	})

	relReg := reliability.NewRegistry(prometheus.DefaultRegisterer)
	active := discovery.NewActiveMap()
	disco := discovery.New(cfg.DiscoveryURL, cfg.DiscoveryCacheTTL, active)
	disp := dispatcher.New(reg, active, disco)
	be := backend.New(cfg.BackendBypassKey)
	orch := orchestrator.New(reg, relReg, be, cfg.PlannerURL, cfg.PlannerAPIKey, cfg.PlannerModel)

	gwc := gwctx.New(cfg, reg, active, disco, disp, gate, relReg, be, led)
	router := ingress.New(gwc, orch, testPeers)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("gateway starting", "addr", srv.Addr, "network", cfg.Network, "pay_to", cfg.GatewayPayTo)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, router, gate)
}

func waitForShutdown(srv *http.Server, router *ingress.Router, gate *paygate.Gate) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	router.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
	}

	gate.Drain(shutdownDrainTimeout)
}

// buildFacilitator selects between two facilitator modes: a remote facilitator
// when FACILITATOR_URL is set, otherwise the self-hosted local facilitator
// when GATEWAY_PRIVATE_KEY is set. config.Load already rejects the case
// where neither is present.
func buildFacilitator(cfg *config.Config) (paygate.FacilitatorClient, error) {
	if cfg.FacilitatorURL != "" {
		slog.Info("payment mode: remote facilitator", "url", cfg.FacilitatorURL)
		return paygate.NewRemoteFacilitator(cfg.FacilitatorURL), nil
	}

	chainIDStr := strings.TrimPrefix(cfg.Network, "eip155:")
	chainID := new(big.Int)
	if _, ok := chainID.SetString(chainIDStr, 10); !ok {
		return nil, fmt.Errorf("invalid NETWORK %q for local facilitator", cfg.Network)
	}
	lf, err := paygate.NewLocalFacilitator(cfg.SettlementRPCURL, cfg.GatewayPrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	slog.Info("payment mode: local facilitator", "settlement_rpc", cfg.SettlementRPCURL, "relayer", lf.Address())
	return lf, nil
}

func mustPrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			slog.Warn("skipping invalid test-bypass peer CIDR", "cidr", c, "err", err)
			continue
		}
		out = append(out, p)
	}
	return out
}
