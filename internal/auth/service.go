package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is the subset of internal/config.AuthConfig the service needs,
// passed in directly so this package does not import internal/config.
type Config struct {
	ProviderMode       string // "mock" | "remote" | "auto"
	MockMagicCode      string
	RemoteClientID     string
	RemoteAPIKey       string
	RemoteAPIBaseURL   string
	ChallengeTTL       time.Duration
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
}

// AuthService implements the full session and token authority: challenge
// issuance, verification, session lookup, refresh rotation with replay
// detection, revocation, and org-scoped policy evaluation. Ported from
// the Rust AuthService in auth.rs.
type AuthService struct {
	provider IdentityProvider
	state    *authState

	challengeTTL time.Duration
	accessTTL    time.Duration
	refreshTTL   time.Duration

	log *slog.Logger
}

// NewAuthService builds an AuthService, selecting an IdentityProvider from
// cfg.ProviderMode the way auth.rs::provider_from_config does.
func NewAuthService(cfg Config, log *slog.Logger) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	return &AuthService{
		provider:     providerFromConfig(cfg),
		state:        newAuthState(),
		challengeTTL: nonZeroDuration(cfg.ChallengeTTL, 10*time.Minute),
		accessTTL:    nonZeroDuration(cfg.AccessTokenTTL, 15*time.Minute),
		refreshTTL:   nonZeroDuration(cfg.RefreshTokenTTL, 30*24*time.Hour),
		log:          log,
	}
}

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func providerFromConfig(cfg Config) IdentityProvider {
	switch cfg.ProviderMode {
	case "mock":
		code := cfg.MockMagicCode
		if code == "" {
			code = "000000"
		}
		return &MockIdentityProvider{Code: code}
	default: // "remote", "auto", or unset
		if cfg.RemoteClientID != "" && cfg.RemoteAPIKey != "" {
			return NewRemoteIdentityProvider(cfg.RemoteClientID, cfg.RemoteAPIKey, cfg.RemoteAPIBaseURL)
		}
		return &UnavailableIdentityProvider{
			Message: "remote identity provider is required. Configure its client id and API key, or set auth.provider_mode=mock for local/testing.",
		}
	}
}

// ProviderName returns the active identity provider's name.
func (a *AuthService) ProviderName() string { return a.provider.Name() }

func newIDWithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// StartChallenge begins magic-code sign-in for an email address.
func (a *AuthService) StartChallenge(ctx context.Context, email string) (ChallengeResult, error) {
	normalizedEmail, err := normalizeEmail(email)
	if err != nil {
		return ChallengeResult{}, err
	}

	started, err := a.provider.StartMagicAuth(ctx, normalizedEmail)
	if err != nil {
		return ChallengeResult{}, err
	}

	challengeID := newIDWithPrefix("challenge_")
	expiresAt := time.Now().Add(a.challengeTTL)
	if started.expiresAt != nil {
		expiresAt = *started.expiresAt
	}

	a.state.mu.Lock()
	a.state.challenges[challengeID] = pendingChallenge{
		email:                 normalizedEmail,
		pendingExternalUserID: started.pendingExternalUserID,
		expiresAt:             expiresAt,
	}
	a.state.mu.Unlock()

	return ChallengeResult{
		ChallengeID:           challengeID,
		Email:                 normalizedEmail,
		PendingExternalUserID: started.pendingExternalUserID,
		ExpiresAt:             expiresAt,
	}, nil
}

// VerifyChallenge completes sign-in: it verifies the code with the
// identity provider, upserts the user, revokes any other session already
// bound to the same device, and issues a fresh session.
func (a *AuthService) VerifyChallenge(ctx context.Context, challengeID, code, clientName, requestedDeviceID, ipAddress, userAgent string) (VerifyResult, error) {
	normalizedCode := strings.TrimSpace(code)
	if normalizedCode == "" {
		return VerifyResult{}, validationErr("code", "that code is invalid or expired. Request a new code.")
	}

	a.state.mu.Lock()
	pending, ok := a.state.challenges[challengeID]
	if ok {
		delete(a.state.challenges, challengeID)
	}
	a.state.mu.Unlock()
	if !ok {
		return VerifyResult{}, validationErr("code", "your sign-in code expired. Request a new code.")
	}

	if !pending.expiresAt.After(time.Now()) {
		return VerifyResult{}, validationErr("code", "your sign-in code expired. Request a new code.")
	}

	verified, err := a.provider.VerifyMagicAuth(ctx, normalizedCode, pending.pendingExternalUserID, pending.email, ipAddress, userAgent)
	if err != nil {
		return VerifyResult{}, err
	}

	tokenName := tokenNameForClient(clientName)
	deviceID, err := normalizeDeviceID(requestedDeviceID, tokenName)
	if err != nil {
		return VerifyResult{}, err
	}
	now := time.Now()

	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	user, newUser, err := a.state.upsertUser(verified, func() string { return newIDWithPrefix("user_") })
	if err != nil {
		return VerifyResult{}, err
	}

	activeOrgID := "user:" + user.id
	for _, m := range user.memberships {
		if m.DefaultOrg {
			activeOrgID = m.OrgID
			break
		}
	}
	if activeOrgID == "user:"+user.id && len(user.memberships) > 0 {
		activeOrgID = user.memberships[0].OrgID
	}

	a.state.revokeExistingSessionsForDevice(user.id, deviceID, ReasonDeviceReplaced, now)

	sessionID := newIDWithPrefix("sess_")
	accessToken := newIDWithPrefix("oa_at_")
	refreshToken := newIDWithPrefix("oa_rt_")
	refreshTokenID := newIDWithPrefix("rtid_")

	session := sessionRecord{
		sessionID:        sessionID,
		userID:           user.id,
		email:            user.email,
		deviceID:         deviceID,
		tokenName:        tokenName,
		activeOrgID:      activeOrgID,
		accessToken:      accessToken,
		refreshToken:     refreshToken,
		refreshTokenID:   refreshTokenID,
		issuedAt:         now,
		accessExpiresAt:  now.Add(a.accessTTL),
		refreshExpiresAt: now.Add(a.refreshTTL),
		status:           SessionActive,
	}

	a.state.accessIndex[accessToken] = sessionID
	a.state.refreshIndex[refreshToken] = sessionID
	a.state.sessions[sessionID] = session

	a.log.Info("session issued", "session_id", sessionID, "user_id", user.id, "new_user", newUser)

	return VerifyResult{
		User:         user.view(),
		TokenType:    "Bearer",
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenName:    tokenName,
		Session:      session.view(),
		NewUser:      newUser,
	}, nil
}

// SessionFromAccessToken resolves the bundle (session, user, memberships)
// for an access token, rejecting it if the backing session is not active.
func (a *AuthService) SessionFromAccessToken(_ context.Context, accessToken string) (SessionBundle, error) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	return a.sessionFromAccessTokenLocked(accessToken)
}

func (a *AuthService) sessionFromAccessTokenLocked(accessToken string) (SessionBundle, error) {
	sessionID, ok := a.state.accessIndex[accessToken]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	session, ok := a.state.sessions[sessionID]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	if session.status != SessionActive {
		delete(a.state.accessIndex, accessToken)
		return SessionBundle{}, unauthorizedErr(authDeniedMessage(session.status))
	}

	if !session.accessExpiresAt.After(time.Now()) {
		session.status = SessionExpired
		session.revokedReason = ""
		session.revokedAt = nil
		a.state.sessions[sessionID] = session
		delete(a.state.accessIndex, accessToken)
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	user, ok := a.state.usersByID[session.userID]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	return SessionBundle{
		Session:     session.view(),
		User:        user.view(),
		Memberships: user.memberships,
	}, nil
}

// RefreshSession rotates an access/refresh token pair. rotateRefreshToken
// must be true — the protocol does not support non-rotating refresh, and
// auth.rs rejects the call outright otherwise. A refresh token presented a
// second time after rotation is treated as a replay: its session is
// revoked and the replayed token is re-recorded on the revocation ledger.
func (a *AuthService) RefreshSession(_ context.Context, refreshToken, requestedDeviceID string, rotateRefreshToken bool) (RefreshResult, error) {
	if !rotateRefreshToken {
		return RefreshResult{}, validationErr("rotate_refresh_token", "refresh token rotation is required.")
	}

	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	if revoked, ok := a.state.revokedRefreshTokens[refreshToken]; ok {
		replayDetectedAt := revoked.revokedAt
		replayReason := revoked.reason

		if replayedSession, ok := a.state.sessions[revoked.sessionID]; ok && replayedSession.status == SessionActive {
			a.state.revokeSession(replayedSession.sessionID, ReasonTokenReplay, replayDetectedAt)
		}

		if replayReason != RefreshReasonReplayDetected {
			a.state.recordRevokedRefreshToken(revoked.sessionID, revoked.userID, revoked.deviceID, revoked.refreshTokenID, refreshToken, time.Now(), RefreshReasonReplayDetected)
		}

		return RefreshResult{}, unauthorizedErr("refresh token was already rotated or revoked.")
	}

	sessionID, ok := a.state.refreshIndex[refreshToken]
	if !ok {
		return RefreshResult{}, unauthorizedErr("invalid refresh token.")
	}

	existing, ok := a.state.sessions[sessionID]
	if !ok {
		return RefreshResult{}, unauthorizedErr("invalid refresh token.")
	}

	if requestedDeviceID != "" {
		normalized, err := normalizeDeviceID(requestedDeviceID, existing.tokenName)
		if err != nil {
			return RefreshResult{}, err
		}
		if normalized != existing.deviceID {
			return RefreshResult{}, forbiddenErr("refresh token does not belong to the requested device.")
		}
	}

	if existing.status != SessionActive {
		delete(a.state.refreshIndex, refreshToken)
		return RefreshResult{}, unauthorizedErr(authDeniedMessage(existing.status))
	}

	if !existing.refreshExpiresAt.After(time.Now()) {
		existing.status = SessionExpired
		existing.revokedReason = ""
		existing.revokedAt = nil
		a.state.sessions[sessionID] = existing
		delete(a.state.refreshIndex, refreshToken)
		return RefreshResult{}, unauthorizedErr("refresh session expired.")
	}

	oldAccess := existing.accessToken
	oldRefresh := existing.refreshToken
	oldRefreshTokenID := existing.refreshTokenID

	newAccess := newIDWithPrefix("oa_at_")
	existing.accessToken = newAccess
	existing.accessExpiresAt = time.Now().Add(a.accessTTL)
	now := time.Now()
	existing.lastRefreshedAt = &now

	delete(a.state.accessIndex, oldAccess)
	a.state.accessIndex[newAccess] = sessionID

	newRefresh := newIDWithPrefix("oa_rt_")
	newRefreshTokenID := newIDWithPrefix("rtid_")
	delete(a.state.refreshIndex, oldRefresh)
	a.state.refreshIndex[newRefresh] = sessionID
	existing.refreshToken = newRefresh
	existing.refreshTokenID = newRefreshTokenID
	existing.refreshExpiresAt = time.Now().Add(a.refreshTTL)

	a.state.recordRevokedRefreshToken(existing.sessionID, existing.userID, existing.deviceID, oldRefreshTokenID, oldRefresh, time.Now(), RefreshReasonRotated)

	a.state.sessions[sessionID] = existing

	return RefreshResult{
		TokenType:              "Bearer",
		AccessToken:            existing.accessToken,
		RefreshToken:           existing.refreshToken,
		RefreshTokenID:         existing.refreshTokenID,
		ReplacedRefreshTokenID: oldRefreshTokenID,
		Session:                existing.view(),
	}, nil
}

// RevokeSessionByAccessToken revokes the session bound to an access token
// ("sign out this device").
func (a *AuthService) RevokeSessionByAccessToken(_ context.Context, accessToken string) (RevocationResult, error) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	sessionID, ok := a.state.accessIndex[accessToken]
	if !ok {
		return RevocationResult{}, unauthorizedErr("unauthenticated.")
	}
	if _, ok := a.state.sessions[sessionID]; !ok {
		return RevocationResult{}, unauthorizedErr("unauthenticated.")
	}

	revokedAt := time.Now()
	a.state.revokeSession(sessionID, ReasonUserRequested, revokedAt)

	return RevocationResult{SessionID: sessionID, RevokedAt: revokedAt}, nil
}

// ListUserSessions returns an audit view of a user's sessions, newest first,
// optionally filtered to one device.
func (a *AuthService) ListUserSessions(_ context.Context, userID, deviceIDFilter string) ([]SessionAuditView, error) {
	var normalizedFilter string
	var hasFilter bool
	if deviceIDFilter != "" {
		v, err := normalizeDeviceID(deviceIDFilter, defaultDeviceID)
		if err != nil {
			return nil, err
		}
		normalizedFilter = v
		hasFilter = true
	}

	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	var out []SessionAuditView
	for _, s := range a.state.sessions {
		if s.userID != userID {
			continue
		}
		if hasFilter && s.deviceID != normalizedFilter {
			continue
		}
		out = append(out, s.auditView())
	}
	sortSessionsByIssuedAtDesc(out)
	return out, nil
}

func sortSessionsByIssuedAtDesc(sessions []SessionAuditView) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].IssuedAt.After(sessions[j-1].IssuedAt); j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
}

// RevokeUserSessions revokes a targeted set of a user's sessions (one
// session, one device, or all of them), optionally sparing the caller's
// current session.
func (a *AuthService) RevokeUserSessions(_ context.Context, userID, currentSessionID string, req SessionRevocationRequest) (SessionBatchRevocationResult, error) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	candidates := make(map[string]struct{})

	switch req.TargetKind {
	case TargetSessionID:
		session, ok := a.state.sessions[req.TargetValue]
		if !ok {
			return SessionBatchRevocationResult{}, validationErr("session_id", "requested session does not exist.")
		}
		if session.userID != userID {
			return SessionBatchRevocationResult{}, forbiddenErr("requested session is not owned by current user.")
		}
		candidates[req.TargetValue] = struct{}{}

	case TargetDeviceID:
		normalizedDevice, err := normalizeDeviceID(req.TargetValue, defaultDeviceID)
		if err != nil {
			return SessionBatchRevocationResult{}, err
		}
		for id, s := range a.state.sessions {
			if s.userID == userID && s.deviceID == normalizedDevice {
				candidates[id] = struct{}{}
			}
		}

	case TargetAllSessions:
		for id, s := range a.state.sessions {
			if s.userID == userID {
				candidates[id] = struct{}{}
			}
		}
	}

	if !req.IncludeCurrent {
		delete(candidates, currentSessionID)
	}

	revokedAt := time.Now()
	var revokedSessionIDs, revokedRefreshTokenIDs []string
	for id := range candidates {
		if outcome := a.state.revokeSession(id, req.Reason, revokedAt); outcome != nil {
			revokedSessionIDs = append(revokedSessionIDs, outcome.sessionID)
			revokedRefreshTokenIDs = append(revokedRefreshTokenIDs, outcome.refreshTokenID)
		}
	}

	sortStrings(revokedSessionIDs)
	sortStrings(revokedRefreshTokenIDs)

	return SessionBatchRevocationResult{
		RevokedSessionIDs:      revokedSessionIDs,
		RevokedRefreshTokenIDs: revokedRefreshTokenIDs,
		Reason:                 req.Reason,
		RevokedAt:              revokedAt,
	}, nil
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
}

// SetActiveOrgByAccessToken switches the session's active organization,
// requiring the caller already hold a membership there.
func (a *AuthService) SetActiveOrgByAccessToken(_ context.Context, accessToken, orgID string) (SessionBundle, error) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	sessionID, ok := a.state.accessIndex[accessToken]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}
	existing, ok := a.state.sessions[sessionID]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}
	if existing.status != SessionActive {
		return SessionBundle{}, unauthorizedErr(authDeniedMessage(existing.status))
	}
	if !existing.accessExpiresAt.After(time.Now()) {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	user, ok := a.state.usersByID[existing.userID]
	if !ok {
		return SessionBundle{}, unauthorizedErr("unauthenticated.")
	}

	found := false
	for _, m := range user.memberships {
		if m.OrgID == orgID {
			found = true
			break
		}
	}
	if !found {
		return SessionBundle{}, forbiddenErr("requested organization is not available for this user.")
	}

	existing.activeOrgID = orgID
	a.state.sessions[sessionID] = existing

	return SessionBundle{
		Session:     existing.view(),
		User:        user.view(),
		Memberships: user.memberships,
	}, nil
}

// EvaluatePolicyByAccessToken checks required scopes and requested topics
// against the caller's (or an explicitly named) organization membership.
func (a *AuthService) EvaluatePolicyByAccessToken(ctx context.Context, accessToken string, req PolicyCheckRequest) (PolicyDecision, error) {
	bundle, err := a.SessionFromAccessToken(ctx, accessToken)
	if err != nil {
		return PolicyDecision{}, err
	}

	resolvedOrgID := strings.TrimSpace(req.OrgID)
	if resolvedOrgID == "" {
		resolvedOrgID = bundle.Session.ActiveOrgID
	}

	var membership *OrgMembership
	for i := range bundle.Memberships {
		if bundle.Memberships[i].OrgID == resolvedOrgID {
			membership = &bundle.Memberships[i]
			break
		}
	}
	if membership == nil {
		return PolicyDecision{
			Allowed:       false,
			ResolvedOrgID: resolvedOrgID,
			DeniedReasons: []string{"org_scope_denied"},
		}, nil
	}

	var deniedReasons, grantedScopes []string

	for _, scope := range req.RequiredScopes {
		normalized := strings.TrimSpace(scope)
		if normalized == "" {
			continue
		}
		if scopeAllowed(*membership, normalized) {
			grantedScopes = append(grantedScopes, normalized)
		} else {
			deniedReasons = append(deniedReasons, "scope_denied:"+normalized)
		}
	}

	for _, topic := range req.RequestedTopics {
		normalized := strings.TrimSpace(topic)
		if normalized == "" {
			continue
		}
		if !topicAllowed(normalized, bundle.User.ID, resolvedOrgID) {
			deniedReasons = append(deniedReasons, "topic_denied:"+normalized)
		}
	}

	return PolicyDecision{
		Allowed:       len(deniedReasons) == 0,
		ResolvedOrgID: resolvedOrgID,
		GrantedScopes: grantedScopes,
		DeniedReasons: deniedReasons,
	}, nil
}
