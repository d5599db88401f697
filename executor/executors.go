package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/games"
	"github.com/blink402/blink402/ledger"
)

// ErrUnsupportedRoute is returned when no swap route exists for a buyback.
var ErrUnsupportedRoute = errors.New("swap route not supported")

const (
	proxyBodyLimit   = 4 << 10
	payoutRunExpiry  = 24 * time.Hour
	metaUpstreamURL  = "upstream_url"
	metaUpstreamVerb = "upstream_method"
	metaUpstreamBody = "upstream_body"
	metaRecipient    = "recipient"
)

// NewProxyFunc executes a paid API call against the upstream recorded in the
// run's metadata and captures the response.
func NewProxyFunc(client *http.Client, logger *zap.Logger) Func {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		url := run.Metadata[metaUpstreamURL]
		if url == "" {
			return nil, &blink402.ValidationError{Field: metaUpstreamURL, Msg: "missing from run metadata"}
		}
		method := run.Metadata[metaUpstreamVerb]
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if raw := run.Metadata[metaUpstreamBody]; raw != "" {
			body = strings.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, &blink402.ValidationError{Field: metaUpstreamURL, Msg: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, &blink402.UpstreamError{Service: "upstream api", Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, proxyBodyLimit))
		if err != nil {
			return nil, &blink402.UpstreamError{Service: "upstream api", Err: err}
		}
		if resp.StatusCode >= 500 {
			return nil, &blink402.UpstreamError{
				Service: "upstream api",
				Err:     fmt.Errorf("returned %d", resp.StatusCode),
			}
		}

		logger.Info("upstream call completed",
			zap.String("reference", run.Reference.Value),
			zap.Int("status", resp.StatusCode))
		return map[string]string{
			"upstream_status": strconv.Itoa(resp.StatusCode),
			"upstream_body":   string(respBody),
		}, nil
	}
}

// SwapRouter executes a token swap and returns the swap signature.
type SwapRouter interface {
	Swap(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64) (string, error)
}

// raydiumRouter is the placeholder for the Raydium AMM route.
// TODO: wire the Raydium CPMM pool once the B402 pool is live.
type raydiumRouter struct{}

// NewRaydiumRouter returns the Raydium swap route.
func NewRaydiumRouter() SwapRouter { return raydiumRouter{} }

func (raydiumRouter) Swap(context.Context, solana.PublicKey, solana.PublicKey, uint64) (string, error) {
	return "", ErrUnsupportedRoute
}

// NewBuybackFunc converts a settled payment into a B402 buyback through the
// swap router.
func NewBuybackFunc(router SwapRouter, paymentMint, b402Mint solana.PublicKey) Func {
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		sig, err := router.Swap(ctx, paymentMint, b402Mint, run.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"swap_signature": sig}, nil
	}
}

// NewLotteryFunc records a settled payment as a ticket in the open lottery
// round, opening one when needed.
func NewLotteryFunc(store ledger.Store, roundWindow time.Duration) Func {
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		round, err := store.OpenRound(ctx, roundWindow)
		if err != nil {
			return nil, err
		}
		err = store.RecordEntry(ctx, round.Number, ledger.Entry{
			RunReference: run.Reference.Value,
			Payer:        run.Payer,
			Amount:       run.Amount,
			Signature:    run.Signature,
			CreatedAt:    time.Now().UTC(),
		})
		if errors.Is(err, ledger.ErrRoundFinalized) {
			// The round closed between lookup and insert; enter the next one.
			round, err = store.OpenRound(ctx, roundWindow)
			if err != nil {
				return nil, err
			}
			err = store.RecordEntry(ctx, round.Number, ledger.Entry{
				RunReference: run.Reference.Value,
				Payer:        run.Payer,
				Amount:       run.Amount,
				Signature:    run.Signature,
				CreatedAt:    time.Now().UTC(),
			})
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"lottery_round": strconv.FormatInt(round.Number, 10),
		}, nil
	}
}

// NewSlotsFunc resolves a slots spin seeded by the settling signature and
// queues a payout run for wins. The spin is replayable from the signature
// alone.
func NewSlotsFunc(store ledger.Store, token string, logger *zap.Logger) Func {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		seed := games.SeedFromSignature(run.Signature)
		spin := games.Spin(seed, run.Amount)

		output := map[string]string{
			"reels":      fmt.Sprintf("%s,%s,%s", spin.Reels[0], spin.Reels[1], spin.Reels[2]),
			"multiplier": spin.Multiplier.String(),
			"payout":     strconv.FormatUint(spin.Payout, 10),
		}

		if spin.Payout > 0 && run.Payer != "" {
			payoutRef, err := CreatePayoutRun(ctx, store, run.Payer, spin.Payout, token, run.Signature, map[string]string{
				"source": "slots",
				"won_by": run.Reference.Value,
			})
			if err != nil {
				return nil, err
			}
			output["payout_reference"] = payoutRef
			logger.Info("slots win queued",
				zap.String("reference", run.Reference.Value),
				zap.Uint64("payout", spin.Payout))
		}
		return output, nil
	}
}

// NewEscrowFunc marks escrowed funds as held. Release is driven separately
// by payout runs.
func NewEscrowFunc() Func {
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		return map[string]string{"escrow_state": "held"}, nil
	}
}

// TransferSender broadcasts a platform-signed token transfer.
type TransferSender interface {
	SendTransfer(ctx context.Context, to solana.PublicKey, amount uint64, mint solana.PublicKey) (string, error)
}

// NewPayoutFunc sends the run's amount to the recipient recorded in its
// metadata.
func NewPayoutFunc(sender TransferSender, mint solana.PublicKey, store ledger.Store) Func {
	return func(ctx context.Context, run *blink402.Run) (map[string]string, error) {
		recipient := run.Metadata[metaRecipient]
		if recipient == "" {
			return nil, &blink402.ValidationError{Field: metaRecipient, Msg: "missing from run metadata"}
		}
		to, err := solana.PublicKeyFromBase58(recipient)
		if err != nil {
			return nil, &blink402.ValidationError{Field: metaRecipient, Msg: err.Error()}
		}

		sig, err := sender.SendTransfer(ctx, to, run.Amount, mint)
		if err != nil {
			if sig != "" {
				// Broadcast may have landed; keep the signature for the
				// reconciliation that resolves the ambiguity.
				if appendErr := store.AppendMetadata(ctx, run.Reference.Value, map[string]string{"payout_signature": sig}); appendErr != nil {
					return nil, errors.Join(err, appendErr)
				}
			}
			return nil, err
		}
		return map[string]string{"payout_signature": sig}, nil
	}
}

// CreatePayoutRun opens a payout run that is immediately paid: the funding
// already settled through the parent run's signature. The payout then flows
// through the same at-most-once execution as every other run.
func CreatePayoutRun(ctx context.Context, store ledger.Store, recipient string, amount uint64, token, fundingSignature string, metadata map[string]string) (string, error) {
	ref := blink402.NewUUIDReference()
	now := time.Now().UTC()

	meta := map[string]string{metaRecipient: recipient}
	for k, v := range metadata {
		meta[k] = v
	}

	run := &blink402.Run{
		Reference: ref,
		Amount:    amount,
		Token:     token,
		ProductID: "payout",
		Product:   blink402.ProductPayout,
		Metadata:  meta,
		CreatedAt: now,
		ExpiresAt: now.Add(payoutRunExpiry),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	// Derived signature keeps the uniqueness constraint while tying the
	// payout to its funding settlement.
	internalSig := fmt.Sprintf("internal:%s:%s", fundingSignature, ref.Value)
	if err := store.MarkPaid(ctx, ref.Value, recipient, internalSig); err != nil {
		return "", err
	}
	return ref.Value, nil
}
