package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	return NewAuthService(Config{ProviderMode: "mock", MockMagicCode: "123456"}, nil)
}

func signIn(t *testing.T, svc *AuthService, email string) VerifyResult {
	t.Helper()
	ctx := context.Background()
	challenge, err := svc.StartChallenge(ctx, email)
	require.NoError(t, err)

	result, err := svc.VerifyChallenge(ctx, challenge.ChallengeID, "123456", "web", "", "127.0.0.1", "test-agent")
	require.NoError(t, err)
	return result
}

func TestStartAndVerifyChallenge_IssuesActiveSession(t *testing.T) {
	svc := newTestService(t)
	result := signIn(t, svc, "Person@Example.COM")

	assert.Equal(t, "person@example.com", result.User.Email)
	assert.True(t, result.NewUser)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, SessionActive, result.Session.Status)

	bundle, err := svc.SessionFromAccessToken(context.Background(), result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, bundle.User.ID)
	require.Len(t, bundle.Memberships, 1)
	assert.Equal(t, "user:"+result.User.ID, bundle.Memberships[0].OrgID)
}

func TestVerifyChallenge_WrongCodeIsValidationError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	challenge, err := svc.StartChallenge(ctx, "person@example.com")
	require.NoError(t, err)

	_, err = svc.VerifyChallenge(ctx, challenge.ChallengeID, "000000", "web", "", "", "")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
}

func TestVerifyChallenge_UnknownChallengeIdIsValidationError(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.VerifyChallenge(context.Background(), "challenge_missing", "123456", "web", "", "", "")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSecondSignInOnSameDeviceRevokesFirstSession(t *testing.T) {
	svc := newTestService(t)
	first := signIn(t, svc, "person@example.com")
	second := signIn(t, svc, "person@example.com")

	assert.False(t, second.NewUser)
	assert.Equal(t, first.User.ID, second.User.ID)

	_, err := svc.SessionFromAccessToken(context.Background(), first.AccessToken)
	require.Error(t, err)
	var uerr *UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	bundle, err := svc.SessionFromAccessToken(context.Background(), second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, bundle.Session.Status)
}

func TestRefreshSession_RotatesTokensAndRejectsReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	issued := signIn(t, svc, "person@example.com")

	refreshed, err := svc.RefreshSession(ctx, issued.RefreshToken, "", true)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, issued.RefreshToken, refreshed.RefreshToken)

	// The old access token is retired the moment a new one is issued.
	_, err = svc.SessionFromAccessToken(ctx, issued.AccessToken)
	require.Error(t, err)

	// Replaying the rotated-out refresh token is detected and revokes the
	// now-active session too.
	_, err = svc.RefreshSession(ctx, issued.RefreshToken, "", true)
	require.Error(t, err)
	var uerr *UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	_, err = svc.SessionFromAccessToken(ctx, refreshed.AccessToken)
	require.Error(t, err, "replay of a rotated refresh token must revoke the live session too")
}

func TestRefreshSession_RequiresRotationFlag(t *testing.T) {
	svc := newTestService(t)
	issued := signIn(t, svc, "person@example.com")

	_, err := svc.RefreshSession(context.Background(), issued.RefreshToken, "", false)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rotate_refresh_token", verr.Field)
}

func TestRevokeSessionByAccessToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	issued := signIn(t, svc, "person@example.com")

	_, err := svc.RevokeSessionByAccessToken(ctx, issued.AccessToken)
	require.NoError(t, err)

	_, err = svc.SessionFromAccessToken(ctx, issued.AccessToken)
	require.Error(t, err)
}

func TestListUserSessions_NewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	challenge1, _ := svc.StartChallenge(ctx, "person@example.com")
	first, err := svc.VerifyChallenge(ctx, challenge1.ChallengeID, "123456", "web", "device-a", "", "")
	require.NoError(t, err)

	challenge2, _ := svc.StartChallenge(ctx, "person@example.com")
	second, err := svc.VerifyChallenge(ctx, challenge2.ChallengeID, "123456", "web", "device-b", "", "")
	require.NoError(t, err)
	_ = second // second call deliberately uses a distinct device, verified below

	sessions, err := svc.ListUserSessions(ctx, first.User.ID, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sessions), 1)
	for i := 1; i < len(sessions); i++ {
		assert.False(t, sessions[i].IssuedAt.After(sessions[i-1].IssuedAt))
	}
}

func TestSetActiveOrgByAccessToken_RejectsUnknownOrg(t *testing.T) {
	svc := newTestService(t)
	issued := signIn(t, svc, "person@example.com")

	_, err := svc.SetActiveOrgByAccessToken(context.Background(), issued.AccessToken, "org:does-not-exist")
	require.Error(t, err)
	var ferr *ForbiddenError
	require.ErrorAs(t, err, &ferr)
}

func TestEvaluatePolicyByAccessToken_OwnerGrantedEverything(t *testing.T) {
	svc := newTestService(t)
	issued := signIn(t, svc, "person@example.com")

	decision, err := svc.EvaluatePolicyByAccessToken(context.Background(), issued.AccessToken, PolicyCheckRequest{
		RequiredScopes:  []string{"runtime.write"},
		RequestedTopics: []string{"user:" + issued.User.ID + ":jobs", "run:abc"},
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.GrantedScopes, "runtime.write")
	assert.Empty(t, decision.DeniedReasons)
}

func TestEvaluatePolicyByAccessToken_DeniesForeignTopic(t *testing.T) {
	svc := newTestService(t)
	issued := signIn(t, svc, "person@example.com")

	decision, err := svc.EvaluatePolicyByAccessToken(context.Background(), issued.AccessToken, PolicyCheckRequest{
		RequestedTopics: []string{"user:someone-else:jobs"},
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.DeniedReasons, "topic_denied:user:someone-else:jobs")
}

func TestOpenAgentsEmailGetsOrgMembership(t *testing.T) {
	svc := newTestService(t)
	issued := signIn(t, svc, "person@openagents.com")

	bundle, err := svc.SessionFromAccessToken(context.Background(), issued.AccessToken)
	require.NoError(t, err)
	require.Len(t, bundle.Memberships, 2)

	var sawOrg bool
	for _, m := range bundle.Memberships {
		if m.OrgID == "org:openagents" {
			sawOrg = true
			assert.Equal(t, RoleMember, m.Role)
		}
	}
	assert.True(t, sawOrg)
}
