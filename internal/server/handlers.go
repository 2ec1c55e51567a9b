package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/sigilhq/sigil/internal/account"
	"github.com/sigilhq/sigil/internal/logging"
	"github.com/sigilhq/sigil/internal/metrics"
	"github.com/sigilhq/sigil/internal/pagination"
	"github.com/sigilhq/sigil/internal/policy"
	"github.com/sigilhq/sigil/internal/realtime"
	"github.com/sigilhq/sigil/internal/recovery"
	"github.com/sigilhq/sigil/internal/replay"
	"github.com/sigilhq/sigil/internal/traces"
	"github.com/sigilhq/sigil/internal/validation"
	"github.com/sigilhq/sigil/internal/webauthn"
)

// assertionJSON is the wire form of a WebAuthn assertion. Binary fields are
// 0x-prefixed hex.
type assertionJSON struct {
	AuthenticatorData hexutil.Bytes `json:"authenticatorData" binding:"required"`
	ClientDataJSON    hexutil.Bytes `json:"clientDataJSON" binding:"required"`
	Signature         hexutil.Bytes `json:"signature" binding:"required"`
	CredentialID      hexutil.Bytes `json:"credentialId" binding:"required"`
}

func (a *assertionJSON) toAssertion() *webauthn.Assertion {
	return &webauthn.Assertion{
		AuthenticatorData: a.AuthenticatorData,
		ClientDataJSON:    a.ClientDataJSON,
		Signature:         a.Signature,
		CredentialID:      a.CredentialID,
	}
}

// actionJSON is the wire form of a proposed action. The hash is what the
// passkey challenge binds to; the payload is opaque to the core.
type actionJSON struct {
	Amount    hexutil.Uint64 `json:"amount"`
	Hash      common.Hash    `json:"hash" binding:"required"`
	Payload   hexutil.Bytes  `json:"payload"`
	Approvals uint8          `json:"approvals"`
}

func (a *actionJSON) toAction() policy.Action {
	return policy.Action{
		Amount:    uint64(a.Amount),
		Hash:      a.Hash,
		Approvals: a.Approvals,
		Payload:   a.Payload,
	}
}

// recordView is the JSON rendering of an account record.
type recordView struct {
	Address      string         `json:"address"`
	Owner        hexutil.Bytes  `json:"owner"`
	PublicKey    hexutil.Bytes  `json:"publicKey"`
	CredentialID hexutil.Bytes  `json:"credentialId"`
	Nonce        hexutil.Uint64 `json:"nonce"`
	Policy       hexutil.Bytes  `json:"policy"`
	PolicyKind   string         `json:"policyKind"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
}

func viewOf(addr [account.AddressSize]byte, rec *account.Record) recordView {
	kind := "unknown"
	if p, err := policy.Decode(rec.Policy); err == nil {
		kind = p.Kind.String()
	}
	return recordView{
		Address:      account.EncodeAddress(addr),
		Owner:        rec.Owner[:],
		PublicKey:    rec.PasskeyPublicKey[:],
		CredentialID: rec.CredentialID,
		Nonce:        hexutil.Uint64(rec.Nonce),
		Policy:       rec.Policy,
		PolicyKind:   kind,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// registerAccount handles POST /v1/accounts
func (s *Server) registerAccount(c *gin.Context) {
	var req struct {
		Owner        hexutil.Bytes `json:"owner" binding:"required"`
		PublicKey    hexutil.Bytes `json:"publicKey" binding:"required"`
		CredentialID hexutil.Bytes `json:"credentialId" binding:"required"`
		Policy       hexutil.Bytes `json:"policy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if len(req.Owner) != account.OwnerSize {
		badRequest(c, "invalid_owner", "owner must be 32 bytes")
		return
	}
	var owner [account.OwnerSize]byte
	copy(owner[:], req.Owner)

	ctx, span := traces.StartSpan(c.Request.Context(), "account.register")
	defer span.End()

	addr, rec, err := s.machine.Register(ctx, owner, req.PublicKey, req.CredentialID, req.Policy)
	if err != nil {
		s.writeError(c, err)
		return
	}

	metrics.AccountsRegisteredTotal.Inc()
	s.realtimeHub.BroadcastAccountEvent(realtime.EventAccountRegistered, map[string]interface{}{
		"address": account.EncodeAddress(addr),
	})
	c.JSON(http.StatusCreated, viewOf(addr, rec))
}

// listAccounts handles GET /v1/accounts
func (s *Server) listAccounts(c *gin.Context) {
	lister, ok := s.store.(account.Lister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "the configured store does not support listing",
		})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			badRequest(c, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid_cursor", "cursor is not valid")
		return
	}
	var afterCreated int64
	var afterAddr [account.AddressSize]byte
	if cur != nil {
		afterCreated = cur.CreatedAt.Unix()
		afterAddr, err = account.DecodeAddress(cur.ID)
		if err != nil {
			badRequest(c, "invalid_cursor", "cursor is not valid")
			return
		}
	}

	items, err := lister.List(c.Request.Context(), afterCreated, afterAddr, limit+1)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(it account.Summary) (time.Time, string) {
		return time.Unix(it.CreatedAt, 0), account.EncodeAddress(it.Address)
	})

	views := make([]gin.H, len(page))
	for i, it := range page {
		views[i] = gin.H{
			"address":   account.EncodeAddress(it.Address),
			"nonce":     hexutil.Uint64(it.Nonce),
			"createdAt": it.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views, "nextCursor": next, "hasMore": more})
}

// getAccount handles GET /v1/accounts/:address
func (s *Server) getAccount(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	rec, err := s.machine.Get(c.Request.Context(), addr)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// authorizeAction handles POST /v1/accounts/:address/authorize
func (s *Server) authorizeAction(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertion assertionJSON  `json:"assertion" binding:"required"`
		Nonce     hexutil.Uint64 `json:"nonce" binding:"required"`
		Action    actionJSON     `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "account.authorize",
		traces.AccountAddr(account.EncodeAddress(addr)),
		traces.Nonce(uint64(req.Nonce)),
	)
	defer span.End()

	rec, err := s.machine.Authorize(ctx, addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.Action.toAction())
	outcome := outcomeFor(err)
	metrics.AuthorizationsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(traces.Outcome(outcome))

	if err != nil {
		// A forward failure arrives with the committed record attached;
		// every pre-commit failure returns a nil record.
		if rec != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":     "forward_failed",
				"message":   "Action authorized and committed, but delivery to the execution layer failed",
				"committed": true,
				"record":    viewOf(addr, rec),
			})
			return
		}
		s.writeError(c, err)
		return
	}

	s.realtimeHub.BroadcastAccountEvent(realtime.EventActionAuthorized, map[string]interface{}{
		"address": account.EncodeAddress(addr),
		"nonce":   uint64(req.Nonce),
		"amount":  float64(req.Action.Amount),
	})
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// updatePolicy handles POST /v1/accounts/:address/policy
func (s *Server) updatePolicy(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertion assertionJSON  `json:"assertion" binding:"required"`
		Nonce     hexutil.Uint64 `json:"nonce" binding:"required"`
		Policy    hexutil.Bytes  `json:"policy"`
		Approvals uint8          `json:"approvals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	rec, err := s.machine.UpdatePolicy(c.Request.Context(), addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.Policy, req.Approvals)
	if err != nil {
		s.writeError(c, err)
		return
	}

	metrics.PolicyUpdatesTotal.Inc()
	s.realtimeHub.BroadcastAccountEvent(realtime.EventPolicyUpdated, map[string]interface{}{
		"address":    account.EncodeAddress(addr),
		"policyKind": viewOf(addr, rec).PolicyKind,
	})
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// addPasskey handles POST /v1/accounts/:address/passkeys
func (s *Server) addPasskey(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertion    assertionJSON  `json:"assertion" binding:"required"`
		Nonce        hexutil.Uint64 `json:"nonce" binding:"required"`
		PublicKey    hexutil.Bytes  `json:"publicKey" binding:"required"`
		CredentialID hexutil.Bytes  `json:"credentialId" binding:"required"`
		Name         string         `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	name := validation.SanitizeString(req.Name, validation.MaxNameLength)

	rec, err := s.machine.AddPasskey(c.Request.Context(), addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.PublicKey, req.CredentialID, name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.broadcastPasskeyUpdate(addr)
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// disablePasskey handles POST /v1/accounts/:address/passkeys/disable
func (s *Server) disablePasskey(c *gin.Context) {
	s.passkeyStateChange(c, false)
}

// enablePasskey handles POST /v1/accounts/:address/passkeys/enable
func (s *Server) enablePasskey(c *gin.Context) {
	s.passkeyStateChange(c, true)
}

func (s *Server) passkeyStateChange(c *gin.Context, enable bool) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertion    assertionJSON  `json:"assertion" binding:"required"`
		Nonce        hexutil.Uint64 `json:"nonce" binding:"required"`
		CredentialID hexutil.Bytes  `json:"credentialId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	var rec *account.Record
	var err error
	if enable {
		rec, err = s.machine.EnablePasskey(c.Request.Context(), addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.CredentialID)
	} else {
		rec, err = s.machine.DisablePasskey(c.Request.Context(), addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.CredentialID)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.broadcastPasskeyUpdate(addr)
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// setRecoveryThreshold handles POST /v1/accounts/:address/threshold
func (s *Server) setRecoveryThreshold(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertion assertionJSON  `json:"assertion" binding:"required"`
		Nonce     hexutil.Uint64 `json:"nonce" binding:"required"`
		Threshold uint8          `json:"threshold" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	rec, err := s.machine.SetRecoveryThreshold(c.Request.Context(), addr, req.Assertion.toAssertion(), uint64(req.Nonce), req.Threshold)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.broadcastPasskeyUpdate(addr)
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// passkeyView is the JSON rendering of one registered credential.
type passkeyView struct {
	CredentialID hexutil.Bytes `json:"credentialId"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Primary      bool          `json:"primary"`
	AddedAt      int64         `json:"addedAt"`
}

// recoveryStatus handles GET /v1/accounts/:address/recovery
func (s *Server) recoveryStatus(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	set, eligible, err := s.machine.RecoveryStatus(c.Request.Context(), addr)
	if err != nil {
		s.writeError(c, err)
		return
	}

	passkeys := make([]passkeyView, 0, len(set.Additional)+1)
	passkeys = append(passkeys, passkeyView{
		CredentialID: set.Primary.CredentialID,
		Name:         set.Primary.Name,
		Enabled:      set.Primary.Enabled,
		Primary:      true,
		AddedAt:      set.Primary.AddedAt,
	})
	for i := range set.Additional {
		e := &set.Additional[i]
		passkeys = append(passkeys, passkeyView{
			CredentialID: e.CredentialID,
			Name:         e.Name,
			Enabled:      e.Enabled,
			AddedAt:      e.AddedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   account.EncodeAddress(addr),
		"eligible":  eligible,
		"threshold": set.RecoveryThreshold,
		"enabled":   set.EnabledCount(),
		"passkeys":  passkeys,
	})
}

// recoverAccount handles POST /v1/accounts/:address/recover
func (s *Server) recoverAccount(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Assertions   []assertionJSON `json:"assertions" binding:"required"`
		Nonce        hexutil.Uint64  `json:"nonce" binding:"required"`
		CredentialID hexutil.Bytes   `json:"newPrimaryCredentialId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	assertions := make([]*webauthn.Assertion, len(req.Assertions))
	for i := range req.Assertions {
		assertions[i] = req.Assertions[i].toAssertion()
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "account.recover",
		traces.AccountAddr(account.EncodeAddress(addr)),
		traces.RecoveryKind("passkeys"),
	)
	defer span.End()

	rec, err := s.machine.RecoverViaPasskeys(ctx, addr, assertions, uint64(req.Nonce), req.CredentialID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	metrics.RecoveriesTotal.WithLabelValues("passkeys").Inc()
	s.realtimeHub.BroadcastAccountEvent(realtime.EventAccountRecovered, map[string]interface{}{
		"address": account.EncodeAddress(addr),
		"kind":    "passkeys",
	})
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

// createBackup handles POST /v1/accounts/:address/backup
func (s *Server) createBackup(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Key hexutil.Bytes `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	b, err := s.machine.CreateBackup(c.Request.Context(), addr, req.Key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   account.EncodeAddress(addr),
		"backup":    hexutil.Bytes(b.Marshal()),
		"createdAt": b.CreatedAt,
		"version":   b.Version,
	})
}

// restoreBackup handles POST /v1/accounts/:address/restore
func (s *Server) restoreBackup(c *gin.Context) {
	addr, ok := s.addressParam(c)
	if !ok {
		return
	}
	var req struct {
		Backup hexutil.Bytes `json:"backup" binding:"required"`
		Key    hexutil.Bytes `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	b, err := recovery.ParseBackup(req.Backup)
	if err != nil {
		s.writeError(c, err)
		return
	}
	rec, err := s.machine.RestoreFromBackup(c.Request.Context(), addr, b, req.Key)
	if err != nil {
		s.writeError(c, err)
		return
	}

	metrics.RecoveriesTotal.WithLabelValues("backup").Inc()
	s.realtimeHub.BroadcastAccountEvent(realtime.EventAccountRecovered, map[string]interface{}{
		"address": account.EncodeAddress(addr),
		"kind":    "backup",
	})
	c.JSON(http.StatusOK, viewOf(addr, rec))
}

func (s *Server) broadcastPasskeyUpdate(addr [account.AddressSize]byte) {
	s.realtimeHub.BroadcastAccountEvent(realtime.EventPasskeyUpdated, map[string]interface{}{
		"address": account.EncodeAddress(addr),
	})
}

func (s *Server) addressParam(c *gin.Context) ([account.AddressSize]byte, bool) {
	addr, err := account.DecodeAddress(c.Param("address"))
	if err != nil {
		badRequest(c, "invalid_address", "address must be a base58-encoded account address")
		return addr, false
	}
	return addr, true
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

// writeError maps pipeline errors onto HTTP statuses. The mapping mirrors the
// stage ordering: crypto failures are 401, replay 409, policy 403, malformed
// input 422.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	// Not found / existence
	case errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, account.ErrExists):
		return http.StatusConflict, "account_exists"

	// Crypto denials
	case errors.Is(err, webauthn.ErrSignatureInvalid),
		errors.Is(err, webauthn.ErrChallengeMismatch),
		errors.Is(err, webauthn.ErrCredentialMismatch),
		errors.Is(err, webauthn.ErrUserNotPresent):
		return http.StatusUnauthorized, "verification_failed"

	// Malformed crypto material
	case errors.Is(err, webauthn.ErrAuthenticatorDataTooShort),
		errors.Is(err, webauthn.ErrMalformedAuthenticatorData),
		errors.Is(err, webauthn.ErrMalformedClientData),
		errors.Is(err, webauthn.ErrSignatureEncoding),
		errors.Is(err, webauthn.ErrInvalidPublicKey),
		errors.Is(err, webauthn.ErrTruncatedAssertion):
		return http.StatusUnprocessableEntity, "malformed_assertion"

	// Replay
	case errors.Is(err, replay.ErrNonceNotIncreasing):
		return http.StatusConflict, "nonce_replayed"
	case errors.Is(err, replay.ErrNonceExhausted):
		return http.StatusConflict, "nonce_exhausted"

	// Policy
	case errors.Is(err, policy.ErrAmountExceedsLimit),
		errors.Is(err, policy.ErrTimeLocked),
		errors.Is(err, policy.ErrInsufficientApprovals):
		return http.StatusForbidden, "policy_denied"
	case errors.Is(err, policy.ErrMalformedPolicy):
		return http.StatusUnprocessableEntity, "malformed_policy"

	// Recovery
	case errors.Is(err, recovery.ErrBelowThreshold),
		errors.Is(err, recovery.ErrPasskeyDisabled):
		return http.StatusForbidden, "recovery_denied"
	case errors.Is(err, recovery.ErrKeyHashMismatch),
		errors.Is(err, recovery.ErrDecryptFailed):
		return http.StatusUnauthorized, "backup_key_rejected"
	case errors.Is(err, recovery.ErrPasskeyNotFound):
		return http.StatusNotFound, "passkey_not_found"
	case errors.Is(err, recovery.ErrDuplicateCredential),
		errors.Is(err, recovery.ErrMaxPasskeys),
		errors.Is(err, recovery.ErrPrimaryDisabled):
		return http.StatusConflict, "passkey_conflict"
	case errors.Is(err, recovery.ErrThresholdOutOfRange):
		return http.StatusUnprocessableEntity, "invalid_threshold"
	case errors.Is(err, recovery.ErrTruncatedSet),
		errors.Is(err, recovery.ErrTruncatedBackup),
		errors.Is(err, recovery.ErrTruncatedPayload),
		errors.Is(err, recovery.ErrUnsupportedVersion),
		errors.Is(err, recovery.ErrInvalidBackupKey):
		return http.StatusUnprocessableEntity, "malformed_backup"

	// Malformed records
	case errors.Is(err, account.ErrMalformedRecord), errors.Is(err, account.ErrBadAddress):
		return http.StatusUnprocessableEntity, "malformed_record"

	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// outcomeFor classifies an authorization error by the pipeline stage that
// produced it, for the authorizations_total metric.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, account.ErrNotFound):
		return "not_found"
	case errors.Is(err, webauthn.ErrSignatureInvalid),
		errors.Is(err, webauthn.ErrChallengeMismatch),
		errors.Is(err, webauthn.ErrCredentialMismatch),
		errors.Is(err, webauthn.ErrUserNotPresent),
		errors.Is(err, webauthn.ErrInvalidPublicKey),
		errors.Is(err, webauthn.ErrMalformedClientData),
		errors.Is(err, webauthn.ErrMalformedAuthenticatorData),
		errors.Is(err, webauthn.ErrAuthenticatorDataTooShort),
		errors.Is(err, webauthn.ErrSignatureEncoding):
		return "crypto"
	case errors.Is(err, replay.ErrNonceNotIncreasing), errors.Is(err, replay.ErrNonceExhausted):
		return "replay"
	case errors.Is(err, policy.ErrAmountExceedsLimit),
		errors.Is(err, policy.ErrTimeLocked),
		errors.Is(err, policy.ErrInsufficientApprovals),
		errors.Is(err, policy.ErrMalformedPolicy):
		return "policy"
	default:
		return "error"
	}
}
