// Package verification checks signed intents: signature recovery, identity
// binding and expiry. Verification is a pure predicate over its inputs plus
// the clock — no network, no storage, no mutation.
package verification

import (
	"fmt"
	"strings"
	"time"

	"github.com/emcash/cardpay/identity"
	"github.com/emcash/cardpay/intent"
	"github.com/emcash/cardpay/logger"
	"github.com/emcash/cardpay/types"
	"github.com/emcash/cardpay/utils"
)

// VerificationService validates signed intents against the deployment's
// master secret.
type VerificationService struct {
	masterSecret string
	now          func() time.Time
	log          logger.Logger
}

func NewVerificationService(masterSecret string) *VerificationService {
	return &VerificationService{
		masterSecret: masterSecret,
		now:          time.Now,
		log:          logger.NoopLogger{},
	}
}

// SetClock replaces the wall clock, for expiry tests.
func (s *VerificationService) SetClock(now func() time.Time) { s.now = now }

// SetLogger replaces the default noop logger.
func (s *VerificationService) SetLogger(l logger.Logger) { s.log = l }

// Verify runs the verification pipeline in order, short-circuiting on the
// first failure:
//
//  1. recompute the intent hash (and check it against the transported hash)
//  2. recover the signer and require it to equal intent.card
//  3. independently re-derive the identity for the claimed UID and require
//     its address to equal intent.card — this binds the signature to the key
//     this system derives for the UID, not merely to some key
//  4. reject if expiry is in the past
func (s *VerificationService) Verify(si *intent.SignedIntent) *types.VerificationResult {
	if si == nil {
		return reject(types.ErrInvalidIntent, "no intent")
	}
	if err := si.Validate(); err != nil {
		return reject(types.ErrInvalidIntent, err.Error())
	}

	p, err := si.Intent()
	if err != nil {
		return reject(types.ErrInvalidIntent, err.Error())
	}

	h, err := intent.Hash(p)
	if err != nil {
		return reject(types.ErrInvalidIntent, err.Error())
	}
	if !strings.EqualFold(h.Hex(), si.Hash) {
		return reject(types.ErrInvalidIntent, "transported hash does not match intent fields")
	}

	signer, err := utils.RecoverAddressFromSignature(h.Bytes(), si.Signature)
	if err != nil {
		return reject(types.ErrInvalidSignature, fmt.Sprintf("signature recovery failed: %v", err))
	}
	if signer != p.Card {
		return reject(types.ErrInvalidSignature, "signature does not recover to card address")
	}

	id, err := identity.Derive(s.masterSecret, si.UID)
	if err != nil {
		return reject(types.ErrInvalidIntent, err.Error())
	}
	if id.Address != p.Card {
		return reject(types.ErrIdentityMismatch, "uid-derived address does not match card")
	}

	if p.Expiry.Int64() < s.now().Unix() {
		return reject(types.ErrExpired, "intent expired")
	}

	s.log.Debug("intent verified", map[string]any{
		"card":  p.Card.Hex(),
		"nonce": p.Nonce.String(),
	})
	return &types.VerificationResult{Valid: true, Payer: p.Card.Hex()}
}

func reject(reason, detail string) *types.VerificationResult {
	return &types.VerificationResult{
		Valid:         false,
		InvalidReason: reason,
		Error:         detail,
	}
}
