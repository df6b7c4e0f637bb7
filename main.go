// Copyright 2026 Annex Project
//
// Annex server bootstrap: configuration, hash self-check, durable store
// and migrations, signing keypair, verifying key, registry restore, policy
// chain, HTTP and metrics listeners, housekeeping sweeps, graceful
// shutdown.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seismicgear/annex/pkg/admission"
	"github.com/seismicgear/annex/pkg/config"
	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/federation"
	"github.com/seismicgear/annex/pkg/field"
	"github.com/seismicgear/annex/pkg/identity"
	"github.com/seismicgear/annex/pkg/merkle"
	"github.com/seismicgear/annex/pkg/policy"
	"github.com/seismicgear/annex/pkg/server"
	"github.com/seismicgear/annex/pkg/zk"
)

func main() {
	logger := log.New(os.Stdout, "[Annex] ", log.LstdFlags)

	if err := run(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The Poseidon parameters must reproduce the circuit's values exactly;
	// refuse to serve otherwise.
	if err := field.SelfCheck(); err != nil {
		return err
	}

	store, err := database.NewClient(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.MigrateUp(ctx); err != nil {
		return err
	}
	repos := database.NewRepositories(store)

	pub, err := loadOrCreateSigningKey(cfg, logger)
	if err != nil {
		return err
	}
	if err := repos.Policy.EnsureServer(ctx, &database.Server{
		Slug:      cfg.ServerSlug,
		Label:     cfg.ServerLabel,
		PublicKey: hex.EncodeToString(pub),
	}); err != nil {
		return err
	}

	// Verifying key: depth-20 membership circuit, public signals
	// [root, commitment]. A mismatch aborts startup.
	verifier, err := zk.LoadVerifyingKey(cfg.ZKVerifyingKeyPath)
	if err != nil {
		return fmt.Errorf("verifying key: %w", err)
	}
	logger.Printf("Loaded verifying key (fingerprint %s...)", verifier.Fingerprint()[:12])

	policies, err := newPolicyManager(ctx, cfg, store, repos)
	if err != nil {
		return err
	}

	registry := merkle.NewRegistry()
	identitySvc := identity.NewService(cfg.ServerSlug, store, repos, registry, verifier,
		identity.WithTimeouts(cfg.RegisterTimeout, cfg.VerifyTimeout))
	if err := identitySvc.Restore(ctx); err != nil {
		return fmt.Errorf("registry restore: %w", err)
	}

	engine := federation.NewEngine(cfg.ServerSlug, store, repos, policies.current,
		federation.WithHandshakeTimeout(cfg.HandshakeTimeout))
	cache := federation.NewCache(cfg.ServerSlug, store, repos, func() *federation.PolicySnapshot {
		return &federation.PolicySnapshot{FreshnessSeconds: policies.current().FederationFreshnessSeconds}
	})

	limiter := admission.NewLimiter(policies.current)
	gate := admission.NewGate(cfg.ServerSlug, repos)

	api := server.New(server.Config{
		ServerSlug: cfg.ServerSlug,
		Identity:   identitySvc,
		Engine:     engine,
		Cache:      cache,
		Limiter:    limiter,
		Gate:       gate,
		Repos:      repos,
		PolicyFn:   policies.current,
		SetPolicy:  policies.update,
	})

	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("API listening on %s", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runSweeps(sweepCtx, cfg.ServerSlug, repos, limiter, policies.current, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Printf("Received %s, shutting down", s)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	return nil
}

// loadOrCreateSigningKey returns the server's Ed25519 public key,
// generating and persisting the keypair on first boot.
func loadOrCreateSigningKey(cfg *config.Config, logger *log.Logger) (ed25519.PublicKey, error) {
	keyPath := cfg.Ed25519KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "ed25519.key")
	}

	if raw, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key file %s is corrupt", keyPath)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return priv.Public().(ed25519.PublicKey), nil
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	logger.Printf("Generated signing keypair at %s", keyPath)
	return pub, nil
}

// policyManager versions the server policy: the current snapshot is
// immutable and swapped atomically; updates append a new version row and a
// MODERATION event in one transaction.
type policyManager struct {
	serverSlug string
	store      *database.Client
	repos      *database.Repositories
	snapshot   atomic.Value // *policy.Policy
}

func newPolicyManager(ctx context.Context, cfg *config.Config, store *database.Client, repos *database.Repositories) (*policyManager, error) {
	m := &policyManager{serverSlug: cfg.ServerSlug, store: store, repos: repos}

	latest, err := repos.Policy.LatestPolicyVersion(ctx, cfg.ServerSlug)
	switch {
	case err == nil:
		p := policy.Default()
		if err := json.Unmarshal([]byte(latest.Body), p); err != nil {
			return nil, fmt.Errorf("stored policy version %s is corrupt: %w", latest.VersionID, err)
		}
		p.VersionID = latest.VersionID
		m.snapshot.Store(p)
	case errors.Is(err, database.ErrPolicyNotFound):
		// First boot: defaults + overlays become version one.
		p, err := cfg.BootstrapPolicy()
		if err != nil {
			return nil, err
		}
		if err := m.persist(ctx, p); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return m, nil
}

func (m *policyManager) current() *policy.Policy {
	return m.snapshot.Load().(*policy.Policy)
}

func (m *policyManager) update(p *policy.Policy) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.persist(ctx, p); err != nil {
		return errkind.New(errkind.ServiceUnavailable, "failed to persist policy version")
	}
	return nil
}

func (m *policyManager) persist(ctx context.Context, p *policy.Policy) error {
	p = p.Clone()
	p.VersionID = uuid.NewString()
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.repos.Policy.AppendPolicyVersion(ctx, tx, &database.PolicyVersion{
			VersionID:  p.VersionID,
			ServerSlug: m.serverSlug,
			Body:       string(body),
		}); err != nil {
			return err
		}
		_, err := m.repos.Events.Append(ctx, tx, &database.Event{
			ServerSlug: m.serverSlug,
			Domain:     database.DomainModeration,
			EventType:  "policy_updated",
			EntityType: "server_policy",
			EntityID:   p.VersionID,
			Payload:    string(body),
		})
		return err
	})
	if err != nil {
		return err
	}
	m.snapshot.Store(p)
	return nil
}

// runSweeps periodically reclaims expired messages, events past retention
// and idle rate-limit buckets.
func runSweeps(ctx context.Context, serverSlug string, repos *database.Repositories,
	limiter *admission.Limiter, currentPolicy func() *policy.Policy, logger *log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := repos.Policy.SweepExpiredMessages(ctx, now); err == nil && n > 0 {
				logger.Printf("Swept %d expired messages", n)
			}
			retention := time.Duration(currentPolicy().DefaultRetentionDays) * 24 * time.Hour
			if n, err := repos.Events.SweepOlderThan(ctx, serverSlug, now.Add(-retention)); err == nil && n > 0 {
				logger.Printf("Swept %d events past retention", n)
			}
			limiter.Sweep()
		}
	}
}
