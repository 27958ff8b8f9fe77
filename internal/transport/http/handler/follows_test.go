package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/followswap/internal/application/follow"
	"github.com/followswap/internal/config"
	"github.com/followswap/internal/domain"
	jwtinfra "github.com/followswap/internal/infrastructure/jwt"
	"github.com/followswap/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mock ---

type mockFollowSvc struct{ mock.Mock }

func (m *mockFollowSvc) RequestFollow(ctx context.Context, ident follow.Identity, req domain.CreateFollowRequest) (*domain.FollowRequest, error) {
	args := m.Called(ctx, ident, req)
	if fr, _ := args.Get(0).(*domain.FollowRequest); fr != nil {
		return fr, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFollowSvc) ListQueue(ctx context.Context, ident follow.Identity, limit int) ([]domain.QueueEntry, error) {
	args := m.Called(ctx, ident, limit)
	if entries, _ := args.Get(0).([]domain.QueueEntry); entries != nil {
		return entries, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFollowSvc) VerifyFollow(ctx context.Context, ident follow.Identity, requestID, submittedCode string) (int, error) {
	args := m.Called(ctx, ident, requestID, submittedCode)
	return args.Int(0), args.Error(1)
}

func (m *mockFollowSvc) Stats(ctx context.Context, ident follow.Identity) (*domain.Stats, error) {
	args := m.Called(ctx, ident)
	if st, _ := args.Get(0).(*domain.Stats); st != nil {
		return st, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFollowSvc) History(ctx context.Context, ident follow.Identity) ([]domain.FollowRequest, error) {
	args := m.Called(ctx, ident)
	if frs, _ := args.Get(0).([]domain.FollowRequest); frs != nil {
		return frs, args.Error(1)
	}
	return nil, args.Error(1)
}

// --- helpers ---

// newTestJWTProvider generates a fresh RSA key pair and returns a *jwtinfra.Provider.
func newTestJWTProvider(t *testing.T) *jwtinfra.Provider {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	p, err := jwtinfra.NewProvider(&config.Config{
		JWTPrivateKeyPath: privPath,
		JWTPublicKeyPath:  pubPath,
		JWTExpiry:         24 * time.Hour,
	})
	require.NoError(t, err)
	return p
}

// bearerReq builds a request with a signed Bearer token for the given caller.
func bearerReq(t *testing.T, p *jwtinfra.Provider, method, target, userID, handle string, body []byte) *http.Request {
	t.Helper()
	token, err := p.Sign(userID, handle, handle+"@example.com")
	require.NoError(t, err)
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// withChiID injects a chi URL param "id" into the request context.
func withChiID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// serveAuthed wraps the handler with middleware.Auth before serving.
func serveAuthed(p *jwtinfra.Provider, h http.Handler, w http.ResponseWriter, r *http.Request) {
	middleware.Auth(p)(h).ServeHTTP(w, r)
}

func matchIdent(userID string) interface{} {
	return mock.MatchedBy(func(ident follow.Identity) bool { return ident.UserID == userID })
}

// --- Request tests ---

func TestRequest_MissingClaims(t *testing.T) {
	h := NewFollowHandler(&mockFollowSvc{})
	r := httptest.NewRequest(http.MethodPost, "/v1/follows", bytes.NewBufferString("{}"))
	rr := httptest.NewRecorder()
	h.Request(rr, r) // called directly, no claims in context
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequest_InvalidBody(t *testing.T) {
	p := newTestJWTProvider(t)
	h := NewFollowHandler(&mockFollowSvc{})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows", "u1", "alice_gram", []byte("not-json"))
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Request), rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRequest_ValidationFailure(t *testing.T) {
	p := newTestJWTProvider(t)
	h := NewFollowHandler(&mockFollowSvc{})
	for _, handle := range []string{"", "no spaces allowed", "bang!"} {
		body, _ := json.Marshal(domain.CreateFollowRequest{TargetHandle: handle})
		r := bearerReq(t, p, http.MethodPost, "/v1/follows", "u1", "alice_gram", body)
		rr := httptest.NewRecorder()
		serveAuthed(p, http.HandlerFunc(h.Request), rr, r)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "handle %q", handle)
	}
}

func TestRequest_InsufficientPoints(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("RequestFollow", mock.Anything, matchIdent("u1"), mock.Anything).Return(nil, domain.ErrInsufficientPoints)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.CreateFollowRequest{TargetHandle: "someone"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows", "u1", "alice_gram", body)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Request), rr, r)

	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	svc.AssertExpectations(t)
}

func TestRequest_OwnHandleRejected(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("RequestFollow", mock.Anything, mock.Anything, mock.Anything).Return(nil, domain.ErrInvalidHandle)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.CreateFollowRequest{TargetHandle: "alice_gram"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows", "u1", "alice_gram", body)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Request), rr, r)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRequest_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	fr := &domain.FollowRequest{
		RequestID:        "r1",
		TargetHandle:     "someone",
		VerificationCode: "AB12CD",
		Status:           domain.StatusPending,
		ExpiresAt:        1767225600,
	}
	svc.On("RequestFollow", mock.Anything, matchIdent("u1"), domain.CreateFollowRequest{TargetHandle: "someone"}).Return(fr, nil)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.CreateFollowRequest{TargetHandle: "someone"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows", "u1", "alice_gram", body)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Request), rr, r)

	assert.Equal(t, http.StatusCreated, rr.Code)
	var resp FollowRequestEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "AB12CD", resp.VerificationCode)
	assert.Equal(t, int64(1767225600), resp.ExpiresAt)
	svc.AssertExpectations(t)
}

// --- Queue tests ---

func TestQueue_InvalidLimit(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	h := NewFollowHandler(svc)

	for _, raw := range []string{"0", "-3", "abc"} {
		r := bearerReq(t, p, http.MethodGet, "/v1/follows/queue?limit="+raw, "u1", "alice_gram", nil)
		rr := httptest.NewRecorder()
		serveAuthed(p, http.HandlerFunc(h.Queue), rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", raw)
	}
	svc.AssertNotCalled(t, "ListQueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestQueue_DefaultsLimitWhenOmitted(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("ListQueue", mock.Anything, matchIdent("u1"), 0).Return([]domain.QueueEntry{}, nil)
	h := NewFollowHandler(svc)

	r := bearerReq(t, p, http.MethodGet, "/v1/follows/queue", "u1", "alice_gram", nil)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Queue), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	svc.AssertExpectations(t)
}

func TestQueue_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.On("ListQueue", mock.Anything, matchIdent("u1"), 5).Return([]domain.QueueEntry{
		{RequestID: "r1", TargetHandle: "someone", CreatedAt: created},
	}, nil)
	h := NewFollowHandler(svc)

	r := bearerReq(t, p, http.MethodGet, "/v1/follows/queue?limit=5", "u1", "alice_gram", nil)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Queue), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp QueueEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "r1", resp.Data[0].RequestID)
	svc.AssertExpectations(t)
}

// --- Verify tests ---

func TestVerify_InvalidCodeLength(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "AB"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/r1/verify", "u2", "bob_gram", body)
	r = withChiID(r, "r1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	svc.AssertNotCalled(t, "VerifyFollow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerify_WrongCode(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("VerifyFollow", mock.Anything, matchIdent("u2"), "r1", "WRONG1").Return(0, domain.ErrInvalidCode)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "WRONG1"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/r1/verify", "u2", "bob_gram", body)
	r = withChiID(r, "r1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerify_SelfVerification(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("VerifyFollow", mock.Anything, matchIdent("u1"), "r1", "AB12CD").Return(0, domain.ErrSelfVerification)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "AB12CD"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/r1/verify", "u1", "alice_gram", body)
	r = withChiID(r, "r1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestVerify_AlreadyResolved(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("VerifyFollow", mock.Anything, matchIdent("u2"), "r1", "AB12CD").Return(0, domain.ErrAlreadyResolved)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "AB12CD"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/r1/verify", "u2", "bob_gram", body)
	r = withChiID(r, "r1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestVerify_NotFound(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("VerifyFollow", mock.Anything, matchIdent("u2"), "missing", "AB12CD").Return(0, domain.ErrNotFound)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "AB12CD"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/missing/verify", "u2", "bob_gram", body)
	r = withChiID(r, "missing")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestVerify_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("VerifyFollow", mock.Anything, matchIdent("u2"), "r1", "AB12CD").Return(7, nil)
	h := NewFollowHandler(svc)

	body, _ := json.Marshal(domain.VerifyFollowRequest{Code: "AB12CD"})
	r := bearerReq(t, p, http.MethodPost, "/v1/follows/r1/verify", "u2", "bob_gram", body)
	r = withChiID(r, "r1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Verify), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp VerifyEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 7, resp.NewBalance)
	svc.AssertExpectations(t)
}

// --- Stats tests ---

func TestStats_MissingClaims(t *testing.T) {
	h := NewFollowHandler(&mockFollowSvc{})
	r := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr := httptest.NewRecorder()
	h.Stats(rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStats_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("Stats", mock.Anything, matchIdent("u1")).Return(&domain.Stats{Points: 4, Given: 3, Received: 2, Pending: 1}, nil)
	h := NewFollowHandler(svc)

	r := bearerReq(t, p, http.MethodGet, "/v1/stats", "u1", "alice_gram", nil)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Stats), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp domain.Stats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, domain.Stats{Points: 4, Given: 3, Received: 2, Pending: 1}, resp)
	svc.AssertExpectations(t)
}

func TestStats_StoreUnavailable(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("Stats", mock.Anything, mock.Anything).Return(nil, domain.ErrStoreUnavailable)
	h := NewFollowHandler(svc)

	r := bearerReq(t, p, http.MethodGet, "/v1/stats", "u1", "alice_gram", nil)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.Stats), rr, r)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// --- History tests ---

func TestHistory_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockFollowSvc{}
	svc.On("History", mock.Anything, matchIdent("u1")).Return([]domain.FollowRequest{
		{RequestID: "r1", OwnerID: "u1", Status: domain.StatusVerified},
	}, nil)
	h := NewFollowHandler(svc)

	r := bearerReq(t, p, http.MethodGet, "/v1/follows/history", "u1", "alice_gram", nil)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.History), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	payload := rr.Body.Bytes()
	var resp HistoryEnvelope
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "r1", resp.Data[0].RequestID)

	// The verification code never leaks into history payloads.
	var raw struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &raw))
	_, hasCode := raw.Data[0]["verification_code"]
	assert.False(t, hasCode)
}
