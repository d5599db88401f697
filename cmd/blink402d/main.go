// Command blink402d runs the Blink402 settlement core: the run ledger, the
// on-chain verifier, the product executors and the background settlement
// poller. Route handling lives in front of this process and is out of scope
// here.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/config"
	"github.com/blink402/blink402/executor"
	"github.com/blink402/blink402/facilitator"
	"github.com/blink402/blink402/ledger"
	"github.com/blink402/blink402/poller"
	"github.com/blink402/blink402/pricing"
	"github.com/blink402/blink402/service"
	"github.com/blink402/blink402/svm"
	"github.com/blink402/blink402/verifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "blink402d:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	payTo, err := solana.PublicKeyFromBase58(cfg.PayToAddress)
	if err != nil {
		return fmt.Errorf("invalid PAY_TO_ADDRESS: %w", err)
	}
	paymentMintAddr, err := cfg.EffectivePaymentMint()
	if err != nil {
		return err
	}
	paymentMint, err := solana.PublicKeyFromBase58(paymentMintAddr)
	if err != nil {
		return fmt.Errorf("invalid payment mint: %w", err)
	}
	b402Mint, err := solana.PublicKeyFromBase58(cfg.B402Mint)
	if err != nil {
		return fmt.Errorf("invalid B402_MINT: %w", err)
	}
	platformKey, err := solana.PrivateKeyFromBase58(cfg.PlatformPrivateKey)
	if err != nil {
		return fmt.Errorf("invalid PLATFORM_PRIVATE_KEY: %w", err)
	}

	store, err := ledger.NewSQLiteStore(cfg.DatabasePath, logger.Named("ledger"))
	if err != nil {
		return err
	}
	defer store.Close()

	chainClient := rpc.New(cfg.RPCURL)
	facClient := facilitator.NewClient(cfg.FacilitatorURL, logger.Named("facilitator"))
	verif := verifier.New(facClient, chainClient, payTo, paymentMint, logger.Named("verifier"))
	sender := svm.NewSender(chainClient, platformKey, logger.Named("sender"))

	registry := executor.NewRegistry(store, logger.Named("executor"))
	registry.Register(blink402.ProductProxy, executor.NewProxyFunc(nil, logger.Named("proxy")))
	registry.Register(blink402.ProductBuyback, executor.NewBuybackFunc(executor.NewRaydiumRouter(), paymentMint, b402Mint))
	registry.Register(blink402.ProductLottery, executor.NewLotteryFunc(store, cfg.LotteryRoundWindow))
	registry.Register(blink402.ProductSlots, executor.NewSlotsFunc(store, paymentMintAddr, logger.Named("slots")))
	registry.Register(blink402.ProductEscrow, executor.NewEscrowFunc())
	registry.Register(blink402.ProductPayout, executor.NewPayoutFunc(sender, paymentMint, store))

	quoter := pricing.NewQuoter(b402BalanceFunc(chainClient, b402Mint), logger.Named("pricing"))
	svc := service.New(store, verif, registry, quoter, cfg.RunExpiry, logger.Named("service"))

	settler := poller.NewSettler(store, verif, registry, paymentMintAddr, logger.Named("poller"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := settler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: service.NewRouter(svc, logger.Named("api")),
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("blink402d running",
		zap.String("listen", cfg.ListenAddr),
		zap.String("network", cfg.Network),
		zap.String("pay_to", cfg.PayToAddress),
		zap.String("payment_mint", paymentMintAddr))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("api server failed: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	settler.Stop()
	return nil
}

// b402BalanceFunc reads a wallet's B402 balance from its associated token
// account. A missing account is a zero balance, not an error.
func b402BalanceFunc(client *rpc.Client, mint solana.PublicKey) pricing.BalanceFunc {
	return func(ctx context.Context, wallet string) (decimal.Decimal, error) {
		owner, err := solana.PublicKeyFromBase58(wallet)
		if err != nil {
			return decimal.Zero, err
		}
		ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return decimal.Zero, err
		}
		balance, err := client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		if err != nil {
			return decimal.Zero, err
		}
		if balance == nil || balance.Value == nil {
			return decimal.Zero, nil
		}
		if balance.Value.UiAmountString != "" {
			return decimal.NewFromString(balance.Value.UiAmountString)
		}
		return decimal.Zero, nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
