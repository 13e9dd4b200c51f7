package auth

import (
	"sort"
	"sync"
	"time"
)

type pendingChallenge struct {
	email                 string
	pendingExternalUserID string
	expiresAt             time.Time
}

type sessionRecord struct {
	sessionID        string
	userID           string
	email            string
	deviceID         string
	tokenName        string
	activeOrgID      string
	accessToken      string
	refreshToken     string
	refreshTokenID   string
	issuedAt         time.Time
	accessExpiresAt  time.Time
	refreshExpiresAt time.Time
	status           SessionStatus
	reauthRequired   bool
	lastRefreshedAt  *time.Time
	revokedAt        *time.Time
	revokedReason    SessionRevocationReason
}

func (s sessionRecord) view() SessionView {
	return SessionView{
		SessionID:        s.sessionID,
		UserID:           s.userID,
		Email:            s.email,
		DeviceID:         s.deviceID,
		Status:           s.status,
		TokenName:        s.tokenName,
		IssuedAt:         s.issuedAt,
		AccessExpiresAt:  s.accessExpiresAt,
		RefreshExpiresAt: s.refreshExpiresAt,
		ReauthRequired:   s.reauthRequired,
		ActiveOrgID:      s.activeOrgID,
		LastRefreshedAt:  s.lastRefreshedAt,
		RevokedAt:        s.revokedAt,
		RevokedReason:    s.revokedReason,
	}
}

func (s sessionRecord) auditView() SessionAuditView {
	return SessionAuditView{
		SessionID:        s.sessionID,
		UserID:           s.userID,
		Email:            s.email,
		DeviceID:         s.deviceID,
		TokenName:        s.tokenName,
		Status:           s.status,
		IssuedAt:         s.issuedAt,
		AccessExpiresAt:  s.accessExpiresAt,
		RefreshExpiresAt: s.refreshExpiresAt,
		ActiveOrgID:      s.activeOrgID,
		ReauthRequired:   s.reauthRequired,
		LastRefreshedAt:  s.lastRefreshedAt,
		RevokedAt:        s.revokedAt,
		RevokedReason:    s.revokedReason,
	}
}

type revokedRefreshTokenRecord struct {
	refreshTokenID string
	sessionID      string
	userID         string
	deviceID       string
	revokedAt      time.Time
	reason         RefreshTokenRevocationReason
}

type userRecord struct {
	id             string
	email          string
	name           string
	externalUserID string
	memberships    []OrgMembership
}

func (u userRecord) view() AuthUser {
	return AuthUser{ID: u.id, Email: u.email, Name: u.name, ExternalUserID: u.externalUserID}
}

// authState is the single in-memory index guarded by one mutex, matching
// the teacher's habit of guarding a cluster of related maps with a single
// lock rather than one lock per map (internal/security/token_broker.go).
type authState struct {
	mu sync.Mutex

	challenges map[string]pendingChallenge
	sessions   map[string]sessionRecord

	accessIndex  map[string]string // access token -> session id
	refreshIndex map[string]string // refresh token -> session id

	revokedRefreshTokens   map[string]revokedRefreshTokenRecord // by token value
	revokedRefreshTokenIDs map[string]revokedRefreshTokenRecord // by token id

	usersByID    map[string]userRecord
	usersByEmail map[string]string
	usersByExt   map[string]string
}

func newAuthState() *authState {
	return &authState{
		challenges:             make(map[string]pendingChallenge),
		sessions:               make(map[string]sessionRecord),
		accessIndex:            make(map[string]string),
		refreshIndex:           make(map[string]string),
		revokedRefreshTokens:   make(map[string]revokedRefreshTokenRecord),
		revokedRefreshTokenIDs: make(map[string]revokedRefreshTokenRecord),
		usersByID:              make(map[string]userRecord),
		usersByEmail:           make(map[string]string),
		usersByExt:             make(map[string]string),
	}
}

// recordRevokedRefreshToken appends an entry to both revocation ledgers.
// Caller must hold s.mu.
func (s *authState) recordRevokedRefreshToken(sessionID, userID, deviceID, refreshTokenID, refreshToken string, revokedAt time.Time, reason RefreshTokenRevocationReason) {
	rec := revokedRefreshTokenRecord{
		refreshTokenID: refreshTokenID,
		sessionID:      sessionID,
		userID:         userID,
		deviceID:       deviceID,
		revokedAt:      revokedAt,
		reason:         reason,
	}
	s.revokedRefreshTokenIDs[refreshTokenID] = rec
	s.revokedRefreshTokens[refreshToken] = rec
}

type sessionRevocationOutcome struct {
	sessionID      string
	refreshTokenID string
}

// revokeSession marks a session revoked and retires its tokens. Caller must
// hold s.mu. Returns nil if the session does not exist or is already
// revoked/expired (idempotent no-op, matching auth.rs::revoke_session).
func (s *authState) revokeSession(sessionID string, reason SessionRevocationReason, revokedAt time.Time) *sessionRevocationOutcome {
	existing, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if existing.status == SessionRevoked || existing.status == SessionExpired {
		return nil
	}

	delete(s.accessIndex, existing.accessToken)
	delete(s.refreshIndex, existing.refreshToken)
	s.recordRevokedRefreshToken(existing.sessionID, existing.userID, existing.deviceID, existing.refreshTokenID, existing.refreshToken, revokedAt, RefreshReasonSessionRevoked)

	reauthRequired := reason == ReasonTokenReplay || reason == ReasonSecurityPolicy

	existing.status = SessionRevoked
	existing.reauthRequired = reauthRequired
	existing.revokedAt = &revokedAt
	existing.revokedReason = reason
	s.sessions[sessionID] = existing

	return &sessionRevocationOutcome{sessionID: existing.sessionID, refreshTokenID: existing.refreshTokenID}
}

// revokeExistingSessionsForDevice revokes every active session for
// (userID, deviceID). Caller must hold s.mu.
func (s *authState) revokeExistingSessionsForDevice(userID, deviceID string, reason SessionRevocationReason, revokedAt time.Time) {
	var ids []string
	for id, rec := range s.sessions {
		if rec.userID == userID && rec.deviceID == deviceID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.revokeSession(id, reason, revokedAt)
	}
}

// upsertUser resolves an existing user by email or external id, updating it
// in place, or creates a new one. Caller must hold s.mu.
func (s *authState) upsertUser(verified verifyMagicAuthResult, newID func() string) (userRecord, bool, error) {
	email, err := normalizeEmail(verified.email)
	if err != nil {
		return userRecord{}, false, err
	}
	externalUserID := trimSpace(verified.externalUserID)

	var selectedID string
	if id, ok := s.usersByEmail[email]; ok {
		selectedID = id
	} else if id, ok := s.usersByExt[externalUserID]; ok {
		selectedID = id
	}

	if selectedID != "" {
		if u, ok := s.usersByID[selectedID]; ok {
			u.email = email
			u.externalUserID = externalUserID
			u.name = derivedName(email, verified.firstName, verified.lastName)
			u.memberships = ensureDefaultMemberships(u.id, email, u.memberships)
			s.usersByID[selectedID] = u
			s.usersByEmail[email] = selectedID
			s.usersByExt[externalUserID] = selectedID
			return u, false, nil
		}
	}

	id := newID()
	u := userRecord{
		id:             id,
		email:          email,
		name:           derivedName(email, verified.firstName, verified.lastName),
		externalUserID: externalUserID,
		memberships:    ensureDefaultMemberships(id, email, nil),
	}
	s.usersByEmail[email] = id
	s.usersByExt[externalUserID] = id
	s.usersByID[id] = u
	return u, true, nil
}

func ensureDefaultMemberships(userID, email string, existing []OrgMembership) []OrgMembership {
	byOrg := make(map[string]OrgMembership, len(existing)+1)
	for _, m := range existing {
		byOrg[m.OrgID] = m
	}

	personalOrgID := "user:" + userID
	if _, ok := byOrg[personalOrgID]; !ok {
		byOrg[personalOrgID] = OrgMembership{
			OrgID:      personalOrgID,
			OrgSlug:    "user-" + userID,
			Role:       RoleOwner,
			RoleScopes: ownerRoleScopes(),
			DefaultOrg: true,
		}
	}

	if hasSuffix(email, "@openagents.com") {
		if _, ok := byOrg["org:openagents"]; !ok {
			byOrg["org:openagents"] = OrgMembership{
				OrgID:      "org:openagents",
				OrgSlug:    "openagents",
				Role:       RoleMember,
				RoleScopes: memberRoleScopes(),
				DefaultOrg: false,
			}
		}
	}

	memberships := make([]OrgMembership, 0, len(byOrg))
	for _, m := range byOrg {
		memberships = append(memberships, m)
	}
	sort.Slice(memberships, func(i, j int) bool { return memberships[i].OrgID < memberships[j].OrgID })

	hasDefault := false
	for _, m := range memberships {
		if m.DefaultOrg {
			hasDefault = true
			break
		}
	}
	if !hasDefault && len(memberships) > 0 {
		memberships[0].DefaultOrg = true
	}

	return memberships
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
