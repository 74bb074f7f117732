// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/hls"
	"github.com/sectify/sectify/internal/keystore"
	"github.com/sectify/sectify/internal/pipeline"
	"github.com/sectify/sectify/internal/store"
	"github.com/sectify/sectify/internal/watermark"
)

var testMaster = []byte("api-test-master-secret-32-bytes!")

type fixture struct {
	server  *Server
	handler http.Handler
	store   *store.Store
	sealer  *auth.SecretSealer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "sectify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authSvc := auth.NewService(st, auth.NewGrantTable(), testMaster)
	tokens := auth.NewTokenService(testMaster, 30*time.Minute, 5*time.Minute)
	sealer, err := auth.NewSecretSealer(testMaster)
	require.NoError(t, err)

	media := pipeline.NewService(testMaster, t.TempDir(), hls.NewPackager(t.TempDir()), 2, 8)
	t.Cleanup(media.Close)

	srv := NewServer(st, authSvc, tokens, sealer, media, keystore.New())
	return &fixture{server: srv, handler: srv.Routes(), store: st, sealer: sealer}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.RemoteAddr == "" || req.RemoteAddr == "192.0.2.1:1234" {
		req.RemoteAddr = "192.168.10.20:40000"
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (f *fixture) signup(t *testing.T, name, email, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name, "email": email, "password": password})
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[map[string]string](t, rec)["user_id"]
}

func (f *fixture) login(t *testing.T, email, password string) string {
	t.Helper()
	form := url.Values{"username": {email}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[map[string]any](t, rec)["access_token"].(string)
}

func (f *fixture) upload(t *testing.T, token, title string, public bool) string {
	t.Helper()
	samples := make([]int16, watermark.SampleRate*6)
	for i := range samples {
		samples[i] = int16((i*37)%4000 - 2000)
	}
	wav, err := pipeline.EncodeWAV(samples, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", title))
	require.NoError(t, mw.WriteField("public", fmt.Sprintf("%t", public)))
	fw, err := mw.CreateFormFile("file", "tone.wav")
	require.NoError(t, err)
	_, err = fw.Write(wav)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audio/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := f.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[map[string]string](t, rec)["track_id"]
}

func authed(req *http.Request, token string) *http.Request {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSignupLoginFlow(t *testing.T) {
	f := newFixture(t)

	f.signup(t, "Alice", "alice@example.com", "correct horse battery")

	// Duplicate email conflicts.
	body, _ := json.Marshal(map[string]string{"name": "A", "email": "alice@example.com", "password": "password123"})
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	// Wrong password is a flat 401.
	form := url.Values{"username": {"alice@example.com"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := f.login(t, "alice@example.com", "correct horse battery")
	assert.NotEmpty(t, token)
}

func TestSignupValidation(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]map[string]string{
		"missing name":   {"email": "a@b.c", "password": "longenough"},
		"bad email":      {"name": "A", "email": "nope", "password": "longenough"},
		"short password": {"name": "A", "email": "a@b.c", "password": "short"},
	} {
		t.Run(name, func(t *testing.T) {
			b, _ := json.Marshal(body)
			rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup", bytes.NewReader(b)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLoginWith2FA(t *testing.T) {
	f := newFixture(t)
	userID := f.signup(t, "Bob", "bob@example.com", "hunter2hunter2")

	totpSecret := []byte("12345678901234567890")
	sealed, err := f.sealer.Seal(totpSecret)
	require.NoError(t, err)
	require.NoError(t, f.store.SetMFASecret(context.Background(), userID, sealed))

	form := url.Values{"username": {"bob@example.com"}, "password": {"hunter2hunter2"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	loginResp := decodeJSON[map[string]any](t, rec)
	require.Equal(t, true, loginResp["mfa_required"])
	mfaToken := loginResp["mfa_token"].(string)

	// A wrong code is rejected.
	body, _ := json.Marshal(map[string]string{"code": "000000"})
	rec = f.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login/verify-2fa", bytes.NewReader(body)), mfaToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The MFA token cannot be used as an access token.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil), mfaToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The right code yields an access token.
	code := auth.TOTPNow(totpSecret, time.Now())
	body, _ = json.Marshal(map[string]string{"code": code})
	rec = f.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login/verify-2fa", bytes.NewReader(body)), mfaToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeJSON[map[string]any](t, rec)["access_token"])
}

func TestLoginRateLimit(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Eve", "eve@example.com", "password1234")

	var last int
	for i := 0; i < loginRateLimit+1; i++ {
		form := url.Values{"username": {"eve@example.com"}, "password": {"bad guess"}}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		last = f.do(t, req).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "burst of failed logins must throttle")
}

func TestUploadAndPublicListing(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	token := f.login(t, "alice@example.com", "correct horse battery")

	trackID := f.upload(t, token, "Public Anthem", true)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/audio/tracks/public", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeJSON[[]map[string]any](t, rec)
	require.Len(t, listing, 1)
	assert.Equal(t, trackID, listing[0]["track_id"])
	assert.Equal(t, "Public Anthem", listing[0]["title"])

	// Anonymous upload is rejected.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/audio/upload", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	token := f.login(t, "alice@example.com", "correct horse battery")

	f.upload(t, token, "First", false)

	// Same bytes, same owner: the fixture generates identical audio.
	samples := make([]int16, watermark.SampleRate*6)
	for i := range samples {
		samples[i] = int16((i*37)%4000 - 2000)
	}
	wav, err := pipeline.EncodeWAV(samples, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Second"))
	fw, err := mw.CreateFormFile("file", "tone.wav")
	require.NoError(t, err)
	_, err = fw.Write(wav)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audio/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := f.do(t, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamingFlow(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	token := f.login(t, "alice@example.com", "correct horse battery")
	trackID := f.upload(t, token, "Private Mix", false)

	// Anonymous playback of a private track demands authentication.
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The owner gets a manifest with an alias key URI and session-scoped
	// segment URLs.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	sessionID := rec.Header().Get("X-Session-Id")
	require.NotEmpty(t, sessionID)
	manifest := rec.Body.String()
	assert.Contains(t, manifest, "#EXT-X-KEY:METHOD=AES-128,URI=\""+keyURIPrefix)
	assert.Contains(t, manifest, "/api/v1/stream/segment/"+trackID+"/"+sessionID+"/0")
	assert.NotContains(t, manifest, "seg_999")

	// Extract the alias from the manifest.
	start := strings.Index(manifest, keyURIPrefix) + len(keyURIPrefix)
	alias := manifest[start : start+2*keystore.AliasLen]

	// The key resolves to 16 raw bytes from the same network.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/key/"+alias, nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	key, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Len(t, key, keystore.SegmentKeyLen)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	// A caller from a different /16 is denied.
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/key/"+alias, nil), token)
	req.RemoteAddr = "10.0.0.1:40000"
	rec = f.do(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An unknown alias is 404.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/key/"+strings.Repeat("00", keystore.AliasLen), nil), token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Segments serve as MPEG-TS ciphertext under the session's URL.
	segmentBase := "/api/v1/stream/segment/" + trackID + "/" + sessionID
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, segmentBase+"/0", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	// Past-the-end segment is 404.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, segmentBase+"/999", nil), token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A made-up session has no grant and is refused.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/segment/"+trackID+"/deadbeef/0", nil), token))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamingDenials(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	aliceToken := f.login(t, "alice@example.com", "correct horse battery")
	trackID := f.upload(t, aliceToken, "Private Mix", false)

	f.signup(t, "Mallory", "mallory@example.com", "password1234")
	malloryToken := f.login(t, "mallory@example.com", "password1234")

	// Another authenticated user is forbidden, not 404: the track row
	// exists and IDOR probing gets a deliberate 403.
	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), malloryToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Nonexistent and malformed IDs are indistinguishable 404s.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/not-a-uuid", nil), malloryToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deletion by a non-owner is forbidden.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodDelete, "/api/v1/audio/tracks/"+trackID, nil), malloryToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteTrack(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	token := f.login(t, "alice@example.com", "correct horse battery")
	trackID := f.upload(t, token, "Ephemeral", false)

	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodDelete, "/api/v1/audio/tracks/"+trackID, nil), token))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "Alice", "alice@example.com", "correct horse battery")
	token := f.login(t, "alice@example.com", "correct horse battery")
	trackID := f.upload(t, token, "Mix", false)

	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, decodeJSON[map[string]int](t, rec)["revoked_sessions"], 1)

	// The token still verifies as a JWT, but its login session is gone, so
	// the private track is out of reach until the user logs in again.
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "revoked token must not authenticate")

	rec = f.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil), token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	fresh := f.login(t, "alice@example.com", "correct horse battery")
	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/"+trackID, nil), fresh))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestProblemResponsesCarryRequestID(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/playlist/not-a-uuid", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := f.do(t, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "req-123", body["request_id"])
	assert.Equal(t, "/api/v1/stream/playlist/not-a-uuid", body["instance"])
}
