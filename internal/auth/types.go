// Package auth implements the session and token authority: challenge-based
// sign-in, access/refresh token issuance and rotation with replay detection,
// and org-scoped policy evaluation.
package auth

import "time"

const (
	defaultDeviceID   = "device:unknown"
	defaultClientName = "web"
)

// SessionStatus is the lifecycle state of a SessionRecord.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionReauthRequired SessionStatus = "reauth_required"
	SessionExpired        SessionStatus = "expired"
	SessionRevoked        SessionStatus = "revoked"
)

// SessionRevocationReason explains why a session was revoked.
type SessionRevocationReason string

const (
	ReasonUserRequested  SessionRevocationReason = "user_requested"
	ReasonAdminRevoked   SessionRevocationReason = "admin_revoked"
	ReasonTokenReplay    SessionRevocationReason = "token_replay"
	ReasonDeviceReplaced SessionRevocationReason = "device_replaced"
	ReasonSecurityPolicy SessionRevocationReason = "security_policy"
)

// RefreshTokenRevocationReason explains why a specific refresh token (not
// necessarily the whole session) was placed on the revoked-token ledger.
type RefreshTokenRevocationReason string

const (
	RefreshReasonRotated         RefreshTokenRevocationReason = "rotated"
	RefreshReasonSessionRevoked  RefreshTokenRevocationReason = "session_revoked"
	RefreshReasonReplayDetected  RefreshTokenRevocationReason = "replay_detected"
)

// OrgRole is a membership's role within an organization.
type OrgRole string

const (
	RoleOwner  OrgRole = "owner"
	RoleAdmin  OrgRole = "admin"
	RoleMember OrgRole = "member"
	RoleViewer OrgRole = "viewer"
)

// OrgMembership is one organization a user belongs to.
type OrgMembership struct {
	OrgID      string   `json:"org_id"`
	OrgSlug    string   `json:"org_slug"`
	Role       OrgRole  `json:"role"`
	RoleScopes []string `json:"role_scopes"`
	DefaultOrg bool     `json:"default_org"`
}

// ChallengeResult is returned from StartChallenge.
type ChallengeResult struct {
	ChallengeID          string
	Email                string
	PendingExternalUserID string
	ExpiresAt            time.Time
}

// VerifyResult is returned from VerifyChallenge.
type VerifyResult struct {
	User        AuthUser
	TokenType   string
	AccessToken string
	RefreshToken string
	TokenName   string
	Session     SessionView
	NewUser     bool
}

// RefreshResult is returned from RefreshSession.
type RefreshResult struct {
	TokenType               string
	AccessToken             string
	RefreshToken            string
	RefreshTokenID          string
	ReplacedRefreshTokenID  string
	Session                 SessionView
}

// SessionView is the externally visible projection of a SessionRecord.
type SessionView struct {
	SessionID        string
	UserID           string
	Email            string
	DeviceID         string
	Status           SessionStatus
	TokenName        string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	ReauthRequired   bool
	ActiveOrgID      string
	LastRefreshedAt  *time.Time
	RevokedAt        *time.Time
	RevokedReason    SessionRevocationReason
}

// AuthUser is the externally visible projection of a UserRecord.
type AuthUser struct {
	ID             string
	Email          string
	Name           string
	ExternalUserID string
}

// SessionRevocationTargetKind discriminates a SessionRevocationRequest's target.
type SessionRevocationTargetKind int

const (
	TargetSessionID SessionRevocationTargetKind = iota
	TargetDeviceID
	TargetAllSessions
)

// SessionRevocationRequest describes a bulk/targeted revoke from
// RevokeUserSessions.
type SessionRevocationRequest struct {
	TargetKind      SessionRevocationTargetKind
	TargetValue     string // session id or device id, depending on TargetKind
	IncludeCurrent  bool
	Reason          SessionRevocationReason
}

// SessionAuditView is the row shape returned by ListUserSessions.
type SessionAuditView struct {
	SessionID        string
	UserID           string
	Email            string
	DeviceID         string
	TokenName        string
	Status           SessionStatus
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	ActiveOrgID      string
	ReauthRequired   bool
	LastRefreshedAt  *time.Time
	RevokedAt        *time.Time
	RevokedReason    SessionRevocationReason
}

// SessionBundle couples a session view with its owning user and memberships,
// returned by any operation that resolves an access token.
type SessionBundle struct {
	Session     SessionView
	User        AuthUser
	Memberships []OrgMembership
}

// RevocationResult is returned from RevokeSessionByAccessToken.
type RevocationResult struct {
	SessionID string
	RevokedAt time.Time
}

// SessionBatchRevocationResult is returned from RevokeUserSessions.
type SessionBatchRevocationResult struct {
	RevokedSessionIDs      []string
	RevokedRefreshTokenIDs []string
	Reason                 SessionRevocationReason
	RevokedAt              time.Time
}

// PolicyCheckRequest asks whether a set of scopes/topics are allowed for the
// caller's active (or explicitly named) organization.
type PolicyCheckRequest struct {
	OrgID           string
	RequiredScopes  []string
	RequestedTopics []string
}

// PolicyDecision is the result of EvaluatePolicyByAccessToken.
type PolicyDecision struct {
	Allowed        bool
	ResolvedOrgID  string
	GrantedScopes  []string
	DeniedReasons  []string
}

func ownerRoleScopes() []string {
	return []string{
		"runtime.read",
		"runtime.write",
		"sync.subscribe",
		"policy.evaluate",
		"org.membership.read",
		"org.membership.write",
	}
}

func memberRoleScopes() []string {
	return []string{
		"runtime.read",
		"sync.subscribe",
		"policy.evaluate",
		"org.membership.read",
	}
}

func scopeAllowed(m OrgMembership, requiredScope string) bool {
	switch m.Role {
	case RoleOwner, RoleAdmin:
		return true
	default:
		for _, s := range m.RoleScopes {
			if s == requiredScope {
				return true
			}
		}
		return false
	}
}

func topicAllowed(topic, userID, orgID string) bool {
	if hasPrefix(topic, "user:"+userID+":") {
		return true
	}
	orgPrefix := orgID + ":"
	if !hasPrefix(orgID, "org:") {
		orgPrefix = "org:" + orgID + ":"
	}
	if hasPrefix(topic, orgPrefix) {
		return true
	}
	return hasPrefix(topic, "run:")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func authDeniedMessage(status SessionStatus) string {
	switch status {
	case SessionReauthRequired:
		return "session requires reauthentication"
	case SessionExpired:
		return "refresh session expired"
	case SessionRevoked:
		return "session was revoked"
	default:
		return "unauthenticated"
	}
}
