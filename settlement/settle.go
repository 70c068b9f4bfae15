// Package settlement runs the settlement state machine for signed intents:
//
//	received -> verified -> not_revoked -> not_replayed -> funded -> settled
//
// with a terminal rejection reachable from every step. All cheap local
// checks (signature, revocation, replay) run before any network call, so an
// invalid or replayed intent never reaches the token ledger.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/emcash/cardpay/clients"
	"github.com/emcash/cardpay/identity"
	"github.com/emcash/cardpay/intent"
	"github.com/emcash/cardpay/ledger"
	"github.com/emcash/cardpay/logger"
	"github.com/emcash/cardpay/metrics"
	"github.com/emcash/cardpay/types"
	"github.com/emcash/cardpay/utils"
	"github.com/emcash/cardpay/verification"
)

const (
	markRetries    = 3
	markRetryDelay = 200 * time.Millisecond
)

// SettlementService is the top-level orchestrator. It owns the storage
// boundary: no other component reads or writes the replay ledger or the
// revocation registry.
type SettlementService struct {
	masterSecret    string
	verifier        *verification.VerificationService
	replay          ledger.ReplayLedger
	revocations     ledger.RevocationRegistry
	token           clients.TokenClient
	timeout         time.Duration
	defaultDecimals uint8
	log             logger.Logger
	rec             metrics.Recorder
}

func NewSettlementService(
	masterSecret string,
	verifier *verification.VerificationService,
	replay ledger.ReplayLedger,
	revocations ledger.RevocationRegistry,
	token clients.TokenClient,
	timeout time.Duration,
) *SettlementService {
	return &SettlementService{
		masterSecret:    masterSecret,
		verifier:        verifier,
		replay:          replay,
		revocations:     revocations,
		token:           token,
		timeout:         timeout,
		defaultDecimals: 6,
		log:             logger.NoopLogger{},
		rec:             metrics.NoopRecorder{},
	}
}

func (s *SettlementService) SetLogger(l logger.Logger)            { s.log = l }
func (s *SettlementService) SetMetrics(r metrics.Recorder)        { s.rec = r }
func (s *SettlementService) SetDefaultDecimals(d uint8)           { s.defaultDecimals = d }
func (s *SettlementService) SetTokenClient(c clients.TokenClient) { s.token = c }

// Settle runs one intent through the state machine. Rejections come back as
// a result with a reason code and a nil error; the error return is reserved
// for misuse (nil intent, no token client).
func (s *SettlementService) Settle(ctx context.Context, si *intent.SignedIntent) (*types.SettlementResult, error) {
	if si == nil {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "intent is nil"}
	}
	if s.token == nil {
		return nil, &types.Error{Code: types.ErrConfigError, Message: "no token client configured"}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	result := s.settle(ctx, si)

	outcome := "settled"
	if !result.Settled {
		outcome = result.Reason
	}
	s.rec.IncCounter("settlement", map[string]string{"outcome": outcome})
	s.rec.ObserveLatency("settle", time.Since(start), map[string]string{"outcome": outcome})
	return result, nil
}

func (s *SettlementService) settle(ctx context.Context, si *intent.SignedIntent) *types.SettlementResult {
	s.transition(si, types.StateReceived)

	// received -> verified: signature, identity binding, expiry.
	vr := s.verifier.Verify(si)
	if !vr.Valid {
		return s.rejected(si, vr.InvalidReason, vr.Error)
	}
	p, err := si.Intent()
	if err != nil {
		return s.rejected(si, types.ErrInvalidIntent, err.Error())
	}
	s.transition(si, types.StateVerified)

	// verified -> not_revoked. A storage failure rejects: never default to
	// "not revoked".
	revoked, err := s.revocations.IsRevoked(si.UID)
	if err != nil {
		return s.rejected(si, types.ErrStorageError, err.Error())
	}
	if revoked {
		return s.rejected(si, types.ErrRevoked, "uid is revoked")
	}
	s.transition(si, types.StateNotRevoked)

	// not_revoked -> not_replayed. Same failure policy as revocation.
	used, err := s.replay.HasBeenUsed(p.Card, p.Nonce)
	if err != nil {
		return s.rejected(si, types.ErrStorageError, err.Error())
	}
	if used {
		return s.rejected(si, types.ErrReplayed, "nonce already settled")
	}
	s.transition(si, types.StateNotReplayed)

	// not_replayed -> funded: first network calls.
	decimals := s.tokenDecimals(ctx)

	balance, err := s.token.BalanceOf(ctx, p.Card)
	if err != nil {
		return s.rejected(si, types.ErrTransferFailed, "balance query failed: "+err.Error())
	}
	if balance.Cmp(p.Amount) < 0 {
		return s.rejected(si, types.ErrInsufficientFunds, "card balance "+utils.FormatAmountFromBigInt(balance, int(decimals)))
	}

	if reason, detail := s.checkGas(ctx, p); reason != "" {
		return s.rejected(si, reason, detail)
	}
	s.transition(si, types.StateFunded)

	// funded -> settled: the card settles its own intent, so the transfer is
	// signed with the UID-derived key.
	id, err := identity.Derive(s.masterSecret, si.UID)
	if err != nil {
		return s.rejected(si, types.ErrInvalidIntent, err.Error())
	}

	txHash, err := s.token.Transfer(ctx, id.PrivateKey, p.Merchant, p.Amount)
	if err != nil {
		// Nonce deliberately left unconsumed: the same intent may be
		// resubmitted after a transient ledger failure.
		return s.rejected(si, types.ErrTransferFailed, err.Error())
	}

	s.log.Info("transfer confirmed", map[string]any{
		"tx":       txHash,
		"card":     p.Card.Hex(),
		"merchant": p.Merchant.Hex(),
		"amount":   utils.FormatAmountFromBigInt(p.Amount, int(decimals)),
		"nonce":    p.Nonce.String(),
	})

	result := &types.SettlementResult{Settled: true, TxHash: txHash}
	if err := s.markUsed(p); err != nil {
		// The transfer stands but the key is unconsumed. Loud log plus a
		// flag in the result; an operator must reconcile the ledger.
		s.log.Error("replay ledger update failed after confirmed transfer", map[string]any{
			"key":   ledger.ReplayKey(p.Card, p.Nonce),
			"tx":    txHash,
			"error": err.Error(),
		})
		result.NonceUnmarked = true
		result.Error = err.Error()
	}
	s.transition(si, types.StateSettled)
	return result
}

// markUsed commits the nonce, retrying transient storage failures. A
// concurrent marking by another process counts as done.
func (s *SettlementService) markUsed(p *types.PaymentIntent) error {
	var err error
	for attempt := 0; attempt < markRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(markRetryDelay)
		}
		err = s.replay.MarkUsed(p.Card, p.Nonce)
		if err == nil || errors.Is(err, ledger.ErrAlreadyUsed) {
			return nil
		}
	}
	return err
}

// checkGas requires the card's native balance to cover the estimated
// transfer fee. When estimation itself fails the check degrades to
// requiring a nonzero native balance; either path rejects with no_gas.
func (s *SettlementService) checkGas(ctx context.Context, p *types.PaymentIntent) (reason, detail string) {
	native, err := s.token.NativeBalance(ctx, p.Card)
	if err != nil {
		return types.ErrTransferFailed, "native balance query failed: " + err.Error()
	}

	fee, err := s.token.EstimateTransferFee(ctx, p.Card, p.Merchant, p.Amount)
	if err != nil {
		s.log.Warn("fee estimation failed, requiring nonzero gas balance", map[string]any{
			"card":  p.Card.Hex(),
			"error": err.Error(),
		})
		if native.Sign() == 0 {
			return types.ErrNoGas, "card has no native balance"
		}
		return "", ""
	}

	if native.Cmp(fee) < 0 {
		return types.ErrNoGas, "native balance below estimated fee"
	}
	return "", ""
}

// tokenDecimals reads the token's declared decimals, falling back to the
// configured default. The fallback is logged, never silent.
func (s *SettlementService) tokenDecimals(ctx context.Context) uint8 {
	d, err := s.token.Decimals(ctx)
	if err != nil {
		s.log.Warn("decimals query failed, using default", map[string]any{
			"default": s.defaultDecimals,
			"error":   err.Error(),
		})
		return s.defaultDecimals
	}
	return d
}

func (s *SettlementService) transition(si *intent.SignedIntent, state types.SettlementState) {
	s.log.Debug("settlement state", map[string]any{
		"state": string(state),
		"card":  si.Card,
		"nonce": si.Nonce,
	})
}

func (s *SettlementService) rejected(si *intent.SignedIntent, reason, detail string) *types.SettlementResult {
	s.log.Info("settlement rejected", map[string]any{
		"reason": reason,
		"detail": detail,
		"card":   si.Card,
		"nonce":  si.Nonce,
	})
	return &types.SettlementResult{Settled: false, Reason: reason, Error: detail}
}
