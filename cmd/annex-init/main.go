// Copyright 2026 Annex Project
//
// annex-init pre-provisions a server: data directory, Ed25519 signing
// keypair, database file with migrations applied, and the server row.
// Running it is optional; the server performs the same steps lazily at
// first boot.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/seismicgear/annex/pkg/config"
	"github.com/seismicgear/annex/pkg/database"
)

func main() {
	logger := log.New(os.Stdout, "[Init] ", log.LstdFlags)

	slug := flag.String("slug", "default", "server slug")
	label := flag.String("label", "Annex Server", "server label")
	dataDir := flag.String("data-dir", "./data", "data directory")
	dbPath := flag.String("db", "", "database path (default <data-dir>/annex.db)")
	flag.Parse()

	if *dbPath == "" {
		*dbPath = filepath.Join(*dataDir, "annex.db")
	}
	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	keyPath := filepath.Join(*dataDir, "ed25519.key")
	pub, err := ensureSigningKey(keyPath)
	if err != nil {
		logger.Fatalf("signing key: %v", err)
	}
	logger.Printf("Signing key ready at %s", keyPath)

	cfg := &config.Config{
		DBPath:            *dbPath,
		DBMaxOpenConns:    2,
		DBMaxIdleConns:    1,
		DBConnMaxLifetime: time.Hour,
	}
	store, err := database.NewClient(cfg)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.MigrateUp(ctx); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	repos := database.NewRepositories(store)
	if err := repos.Policy.EnsureServer(ctx, &database.Server{
		Slug:      *slug,
		Label:     *label,
		PublicKey: hex.EncodeToString(pub),
	}); err != nil {
		logger.Fatalf("server row: %v", err)
	}

	logger.Printf("Server %q initialised at %s", *slug, *dbPath)
}

func ensureSigningKey(path string) (ed25519.PublicKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey), nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, err
	}
	return pub, nil
}
