package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/service"
)

type stubAuth struct {
	signUpErr error
	signInErr error

	authErr  error
	user     *model.User
	sess     *model.Session
	signedIn bool
}

func (s *stubAuth) SignUp(_ context.Context, appID string, p service.SignUpParams) (*model.User, string, error) {
	if s.signUpErr != nil {
		return nil, "", s.signUpErr
	}
	return &model.User{
		ID: uuid.Must(uuid.NewV4()), AppID: appID, Username: p.Username, KeySalts: p.KeySalts,
	}, "token-1", nil
}

func (s *stubAuth) SignIn(_ context.Context, appID, username string, _ []byte, _ model.RememberMe, _ string) (*model.User, string, error) {
	if s.signInErr != nil {
		return nil, "", s.signInErr
	}
	s.signedIn = true
	return &model.User{ID: uuid.Must(uuid.NewV4()), AppID: appID, Username: username}, "token-2", nil
}

func (s *stubAuth) Authenticate(context.Context, string) (*model.User, *model.Session, error) {
	if s.authErr != nil {
		return nil, nil, s.authErr
	}
	return s.user, s.sess, nil
}

func (s *stubAuth) SignOut(context.Context, uuid.UUID) error { return nil }

func (s *stubAuth) PasswordSaltsFor(_ context.Context, _, username string) (model.PasswordSalts, error) {
	if username != "alice" {
		return model.PasswordSalts{}, errs.ErrNotFound
	}
	return model.PasswordSalts{PasswordSalt: []byte("ps"), PasswordTokenSalt: []byte("pts")}, nil
}

func (s *stubAuth) RevokeOtherSessions(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func newTestServer(t *testing.T, auth *stubAuth) *httptest.Server {
	t.Helper()
	srv := New(auth, nil, []byte("server-public-key"), zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestPing_HealthyWithHSTS(t *testing.T) {
	ts := newTestServer(t, &stubAuth{})

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "max-age=63072000; includeSubDomains; preload",
		resp.Header.Get("Strict-Transport-Security"))

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Healthy", body.String())
}

func TestServerPublicKey_Binary(t *testing.T) {
	ts := newTestServer(t, &stubAuth{})

	resp, err := http.Get(ts.URL + "/v1/api/auth/server-public-key")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "server-public-key", body.String())
}

func TestSignUp_Created(t *testing.T) {
	ts := newTestServer(t, &stubAuth{})

	payload, _ := json.Marshal(map[string]any{
		"appId":         "app-1",
		"username":      "alice",
		"passwordToken": []byte("tok"),
		"publicKey":     []byte("pub"),
	})
	resp, err := http.Post(ts.URL+"/v1/api/auth/sign-up", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "token-1", out.SessionToken)
	require.NotEmpty(t, out.UserID)
}

func TestSignUp_ConflictMapped(t *testing.T) {
	ts := newTestServer(t, &stubAuth{signUpErr: errs.ErrAlreadyExists})

	resp, err := http.Post(ts.URL+"/v1/api/auth/sign-up", "application/json",
		bytes.NewReader([]byte(`{"appId":"a","username":"u"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSignIn_RateLimitedMapped(t *testing.T) {
	ts := newTestServer(t, &stubAuth{signInErr: errs.ErrRateLimited})

	resp, err := http.Post(ts.URL+"/v1/api/auth/sign-in", "application/json",
		bytes.NewReader([]byte(`{"appId":"a","username":"u"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestPasswordSalts_Lookup(t *testing.T) {
	ts := newTestServer(t, &stubAuth{})

	resp, err := http.Get(ts.URL + "/v1/api/auth/get-password-salts?appId=app-1&username=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var salts model.PasswordSalts
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&salts))
	require.Equal(t, []byte("ps"), salts.PasswordSalt)

	resp2, err := http.Get(ts.URL + "/v1/api/auth/get-password-salts?appId=app-1&username=nobody")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/v1/api/auth/get-password-salts")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestUpgrade_RejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, &stubAuth{authErr: errs.ErrUnauthorized})

	// no credential at all
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/api/", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// bad credential
	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/api/", nil)
	req2.Header.Set("Authorization", "Bearer bogus")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestSignInWithSession(t *testing.T) {
	user := &model.User{ID: uuid.Must(uuid.NewV4()), Username: "alice"}
	sess := &model.Session{ID: uuid.Must(uuid.NewV4()), UserID: user.ID}
	ts := newTestServer(t, &stubAuth{user: user, sess: sess})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/api/auth/sign-in-with-session", nil)
	req.Header.Set("Authorization", "Bearer session-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, user.ID.String(), out.UserID)
	require.Equal(t, "session-token", out.SessionToken)
}
