// Command anchor-worker runs the single-job claim-build-broadcast path,
// suitable for low-volume deployments that don't need the batched
// collector/broadcaster pair.
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
	jobstorepg "github.com/codenlighten/sldrm-anchor/internal/jobstore/postgres"
	"github.com/codenlighten/sldrm-anchor/internal/operatorkey"
	"github.com/codenlighten/sldrm-anchor/internal/secrets"
	utxopoolpg "github.com/codenlighten/sldrm-anchor/internal/utxopool/postgres"
	"github.com/codenlighten/sldrm-anchor/internal/worker"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		signingKeyPath = flag.String("signing-key-path", "", "path to the operator's secp256k1 signing key (required; created if missing)")
		changeAddress  = flag.String("change-address", "", "change output address (required)")
		network        = flag.String("network", "mainnet", "bitcoin network: mainnet, testnet3, regtest, or simnet")
		feeRateSatKB   = flag.Int64("fee-rate-sats-per-kb", 1000, "fee rate in satoshis per kilobyte")

		leaseDuration = flag.Duration("utxo-lease-duration", 5*time.Minute, "UTXO reservation lease duration")
		pollInterval  = flag.Duration("poll-interval", time.Second, "sleep between empty queue polls")

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
	if *signingKeyPath == "" || *changeAddress == "" {
		fmt.Fprintln(os.Stderr, "error: --signing-key-path and --change-address are required")
		os.Exit(2)
	}
	if *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url is required")
		os.Exit(2)
	}
	if *feeRateSatKB <= 0 {
		fmt.Fprintln(os.Stderr, "error: --fee-rate-sats-per-kb must be > 0")
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

	jobs, err := jobstorepg.New(pool)
	if err != nil {
		log.Error("init job store", "err", err)
		os.Exit(2)
	}
	if err := jobs.EnsureSchema(ctx); err != nil {
		log.Error("ensure job schema", "err", err)
		os.Exit(2)
	}

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

	w, err := worker.New(jobs, utxos, bc, signingKey, worker.Config{
		LeaseDuration: *leaseDuration,
		ChangeAddress: *changeAddress,
		FeeRateSatKB:  *feeRateSatKB,
		ChainParams:   chainParams,
		PollInterval:  *pollInterval,
	}, worker.WithLogger(log))
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	log.Info("anchor worker started", "change_address", *changeAddress, "network", *network)

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Error("worker exited", "err", err)
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
