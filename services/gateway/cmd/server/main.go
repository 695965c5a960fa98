package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"medledger/pkg/db"
	"medledger/pkg/ledger"
	"medledger/pkg/wallet"
	"medledger/services/gateway/internal/auth"
	"medledger/services/gateway/internal/delegation"
	"medledger/services/gateway/internal/reconcile"
	"medledger/services/gateway/internal/registration"
	"medledger/services/gateway/internal/store"
)

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func main() {
	_ = godotenv.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx := context.Background()

	pool := db.MustConnect(ctx)
	defer pool.Close()
	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("credential store schema")
	}

	w, err := wallet.New(envDefault("WALLET_PATH", "wallet"))
	if err != nil {
		log.Fatal().Err(err).Msg("open wallet")
	}

	ledgerCfg := ledger.Config{
		PeerEndpoint:  envDefault("PEER_ENDPOINT", "localhost:7051"),
		GatewayPeer:   envDefault("GATEWAY_PEER", ""),
		TLSCACertPath: envDefault("TLS_CA_CERT", ""),
		Channel:       envDefault("CHANNEL_NAME", "healthcare-channel"),
		Chaincode:     envDefault("CHAINCODE_NAME", "healthcare-contract"),
	}
	sessions := ledger.NewPool(w, ledgerCfg, log)
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Error().Err(err).Msg("close ledger sessions")
		}
	}()

	var events *reconcile.Publisher
	if url := envDefault("RABBITMQ_URL", ""); url != "" {
		events, err = reconcile.Connect(url)
		if err != nil {
			log.Fatal().Err(err).Msg("connect reconcile queue")
		}
		defer events.Close()
	} else {
		log.Warn().Msg("no RABBITMQ_URL configured, partial registrations are log-only")
	}

	secret := envDefault("JWT_SECRET", "")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	delegationCfg := delegation.Config{
		AdminLabel:    envDefault("ADMIN_IDENTITY", "hospitalAdmin"),
		RegistryLabel: envDefault("REGISTRY_IDENTITY", "auditOrgAdmin"),
	}

	deps := serverDeps{
		delegation:   delegation.NewService(sessions, delegationCfg, log),
		registration: registration.NewOrchestrator(sessions, st, events, delegationCfg.AdminLabel, log),
		auth:         auth.NewService(st, st, []byte(secret)),
		mirror:       st,
		log:          log,
	}

	addr := ":" + envDefault("SERVICE_PORT", "8080")
	log.Info().Str("addr", addr).Str("channel", ledgerCfg.Channel).Msg("gateway listening")
	if err := http.ListenAndServe(addr, newRouter(deps)); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
