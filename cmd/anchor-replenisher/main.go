// Command anchor-replenisher monitors the publish pool's depth and splits
// a funding UTXO into fresh unit-value outputs whenever it runs shallow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	leasespg "github.com/codenlighten/sldrm-anchor/internal/leases/postgres"
	"github.com/codenlighten/sldrm-anchor/internal/operatorkey"
	"github.com/codenlighten/sldrm-anchor/internal/replenisher"
	"github.com/codenlighten/sldrm-anchor/internal/secrets"
	utxopoolpg "github.com/codenlighten/sldrm-anchor/internal/utxopool/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		signingKeyPath = flag.String("signing-key-path", "", "path to the operator's secp256k1 signing key (required; created if missing)")
		outputAddress  = flag.String("output-address", "", "address receiving the split unit outputs and change (required)")
		network        = flag.String("network", "mainnet", "bitcoin network: mainnet, testnet3, regtest, or simnet")
		feeRateSatKB   = flag.Int64("fee-rate-sats-per-kb", 1000, "fee rate in satoshis per kilobyte")

		checkInterval = flag.Duration("check-interval", 30*time.Second, "pool depth check interval")
		minPoolSize   = flag.Int("min-pool-size", 50000, "minimum available publish UTXOs before a split is triggered")
		splitCooldown = flag.Duration("split-cooldown", 10*time.Minute, "minimum time between splits")
		unitValue     = flag.Int64("unit-value-satoshis", 1000, "satoshis per split output")
		targetSplit   = flag.Int("target-split-count", 100000, "number of unit outputs created per split")

		leaderElection = flag.Bool("leader-election", true, "enable leader election via DB lease so only one replenisher splits at a time")
		leaderOwner    = flag.String("owner", "", "unique replenisher owner id (required when --leader-election is set)")
		leaderLeaseTTL = flag.Duration("leader-lease-ttl", 90*time.Second, "leader lease TTL, renewed each tick")

		rpcURL     = flag.String("rpc-url", "", "ledger node JSON-RPC URL (required)")
		rpcUserEnv = flag.String("rpc-user-env", "ANCHOR_RPC_USER", "env var containing the RPC username")
		rpcPassEnv = flag.String("rpc-pass-env", "ANCHOR_RPC_PASS", "env var containing the RPC password")
		rpcTimeout = flag.Duration("rpc-timeout", 30*time.Second, "RPC call timeout")

		secretProvider  = flag.String("rpc-secret-provider", "env", "where to resolve rpc credentials from: env or aws")
		rpcUserSecretID = flag.String("rpc-user-secret-id", "", "AWS Secrets Manager id for the rpc username (required if --rpc-secret-provider=aws)")
		rpcPassSecretID = flag.String("rpc-pass-secret-id", "", "AWS Secrets Manager id for the rpc password (required if --rpc-secret-provider=aws)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *signingKeyPath == "" || *outputAddress == "" {
		fmt.Fprintln(os.Stderr, "error: --signing-key-path and --output-address are required")
		os.Exit(2)
	}
	if *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url is required")
		os.Exit(2)
	}
	if *feeRateSatKB <= 0 || *unitValue <= 0 || *targetSplit <= 0 || *minPoolSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --fee-rate-sats-per-kb, --unit-value-satoshis, --target-split-count, and --min-pool-size must be > 0")
		os.Exit(2)
	}
	if *checkInterval <= 0 || *splitCooldown <= 0 {
		fmt.Fprintln(os.Stderr, "error: --check-interval and --split-cooldown must be > 0")
		os.Exit(2)
	}
	if *leaderElection && *leaderOwner == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required when --leader-election is set")
		os.Exit(2)
	}
	if *leaderLeaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --leader-lease-ttl must be > 0")
		os.Exit(2)
	}

	chainParams, err := parseChainParams(*network)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	if *secretProvider == "aws" && (*rpcUserSecretID == "" || *rpcPassSecretID == "") {
		fmt.Fprintln(os.Stderr, "error: --rpc-user-secret-id and --rpc-pass-secret-id are required when --rpc-secret-provider=aws")
		os.Exit(2)
	}
	if *secretProvider != "env" && *secretProvider != "aws" {
		fmt.Fprintf(os.Stderr, "error: unknown --rpc-secret-provider %q\n", *secretProvider)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcUser, rpcPass, err := resolveRPCCredentials(ctx, *secretProvider, *rpcUserEnv, *rpcPassEnv, *rpcUserSecretID, *rpcPassSecretID)
	if err != nil {
		log.Error("resolve rpc credentials", "err", err)
		os.Exit(2)
	}

	signingKey, created, err := operatorkey.EnsurePrivateKeyFile(*signingKeyPath)
	if err != nil {
		log.Error("load signing key", "err", err)
		os.Exit(2)
	}
	if created {
		log.Info("generated new signing key", "path", *signingKeyPath, "pubkey", operatorkey.PublicKeyHex(signingKey))
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	utxos, err := utxopoolpg.New(pool)
	if err != nil {
		log.Error("init utxo pool", "err", err)
		os.Exit(2)
	}
	if err := utxos.EnsureSchema(ctx); err != nil {
		log.Error("ensure utxo schema", "err", err)
		os.Exit(2)
	}

	bc, err := broadcast.New(*rpcURL, rpcUser, rpcPass, broadcast.WithTimeout(*rpcTimeout))
	if err != nil {
		log.Error("init broadcast client", "err", err)
		os.Exit(2)
	}

	opts := []replenisher.Option{replenisher.WithLogger(log)}
	if *leaderElection {
		leaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		elector, err := replenisher.NewLeaderElector(leaseStore, *leaderOwner, *leaderLeaseTTL)
		if err != nil {
			log.Error("init leader elector", "err", err)
			os.Exit(2)
		}
		opts = append(opts, replenisher.WithLeaderElector(elector))
	}

	r, err := replenisher.New(utxos, bc, signingKey, replenisher.Config{
		Interval:      *checkInterval,
		MinPoolSize:   *minPoolSize,
		Cooldown:      *splitCooldown,
		UnitValue:     *unitValue,
		TargetSplit:   *targetSplit,
		OutputAddress: *outputAddress,
		FeeRateSatKB:  *feeRateSatKB,
		ChainParams:   chainParams,
	}, opts...)
	if err != nil {
		log.Error("init replenisher", "err", err)
		os.Exit(2)
	}

	log.Info("anchor replenisher started", "output_address", *outputAddress, "network", *network, "min_pool_size", *minPoolSize, "leader_election", *leaderElection)

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Error("replenisher exited", "err", err)
		os.Exit(1)
	}
}

// resolveRPCCredentials reads the RPC username/password from the given
// environment variables, or from AWS Secrets Manager when provider is
// "aws".
func resolveRPCCredentials(ctx context.Context, provider, userEnv, passEnv, userSecretID, passSecretID string) (string, string, error) {
	if provider != "aws" {
		user, pass := os.Getenv(userEnv), os.Getenv(passEnv)
		if user == "" || pass == "" {
			return "", "", fmt.Errorf("missing rpc credentials in env %s/%s", userEnv, passEnv)
		}
		return user, pass, nil
	}

	sm, err := secrets.NewAWS(ctx)
	if err != nil {
		return "", "", fmt.Errorf("init aws secrets provider: %w", err)
	}
	user, err := sm.Get(ctx, userSecretID)
	if err != nil {
		return "", "", fmt.Errorf("fetch rpc user secret %q: %w", userSecretID, err)
	}
	pass, err := sm.Get(ctx, passSecretID)
	if err != nil {
		return "", "", fmt.Errorf("fetch rpc pass secret %q: %w", passSecretID, err)
	}
	return user, pass, nil
}

func parseChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown --network %q", network)
	}
}
