package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/pgstore/pgtest"
	apierrors "github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

type countingStore struct {
	inner Store
	calls atomic.Int32
	err   error
}

func (s *countingStore) LookupKey(ctx context.Context, hash string) (*Tenant, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.LookupKey(ctx, hash)
}

func newTestAuthenticator(t *testing.T, store Store) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(store, DefaultCacheConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, DefaultKeyPrefix))
	assert.Equal(t, HashKey(key), hash)
	assert.Len(t, hash, 64)

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
		ok     bool
	}{
		{"bearer", map[string]string{"Authorization": "Bearer alk_abc"}, "alk_abc", true},
		{"x-api-key", map[string]string{"x-api-key": "alk_xyz"}, "alk_xyz", true},
		{"empty bearer", map[string]string{"Authorization": "Bearer  "}, "", false},
		{"basic scheme", map[string]string{"Authorization": "Basic Zm9v"}, "", false},
		{"none", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			got, ok := KeyFromRequest(r)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "***", MaskKey("short"))
	assert.Equal(t, "alk_abcd...wxyz", MaskKey("alk_abcdefghijklmnopqrstuvwxyz"))
}

func TestAuthenticate(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	mem := NewMemoryStore()
	mem.Add("alk_good", &Tenant{ID: "acme", KeyID: "k1", Active: true})
	mem.Add("alk_off", &Tenant{ID: "acme", KeyID: "k2", Active: false})
	mem.Add("alk_old", &Tenant{ID: "acme", KeyID: "k3", Active: true, ExpiresAt: &past})

	a := newTestAuthenticator(t, mem)
	ctx := context.Background()

	tenant, err := a.Authenticate(ctx, "alk_good")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.ID)

	for _, key := range []string{"alk_off", "alk_old", "alk_unknown", ""} {
		_, err := a.Authenticate(ctx, key)
		require.Error(t, err, key)
		verr := apierrors.As(err)
		assert.Equal(t, http.StatusUnauthorized, verr.HTTPStatus(), key)
		assert.Equal(t, apierrors.TypeCredential, verr.Type, key)
	}
}

func TestAuthenticate_CachesHitsAndMisses(t *testing.T) {
	mem := NewMemoryStore()
	mem.Add("alk_good", &Tenant{ID: "acme", Active: true})
	store := &countingStore{inner: mem}
	a := newTestAuthenticator(t, store)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alk_good")
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "alk_bad")
	require.Error(t, err)
	a.cache.Wait()

	for i := 0; i < 5; i++ {
		_, _ = a.Authenticate(ctx, "alk_good")
		_, _ = a.Authenticate(ctx, "alk_bad")
	}
	assert.Equal(t, int32(2), store.calls.Load())

	a.Invalidate("alk_good")
	_, _ = a.Authenticate(ctx, "alk_good")
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestAuthenticate_StoreError(t *testing.T) {
	a := newTestAuthenticator(t, &countingStore{err: errors.New("db down")})
	_, err := a.Authenticate(context.Background(), "alk_any")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apierrors.As(err).HTTPStatus())
}

func TestMiddleware(t *testing.T) {
	mem := NewMemoryStore()
	mem.Add("alk_good", &Tenant{ID: "acme", Active: true})
	a := newTestAuthenticator(t, mem)

	var seen *Tenant
	h := Middleware(a, func(w http.ResponseWriter, _ *http.Request, err *apierrors.VendorError) {
		w.WriteHeader(err.HTTPStatus())
		_, _ = w.Write([]byte(err.Code))
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TenantFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer alk_good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "acme", seen.ID)

	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierrors.CodeMissingAPIKey, w.Body.String())

	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("x-api-key", "alk_wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierrors.CodeInvalidAPIKey, w.Body.String())
}

func TestHTTPStore(t *testing.T) {
	good := HashKey("alk_good")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/keys/" + good:
			_, _ = w.Write([]byte(`{"tenant_id":"acme","key_id":"k1","is_active":true,"rpm_limit":60}`))
		case "/v1/keys/" + HashKey("alk_boom"):
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "svc", time.Second)
	ctx := context.Background()

	tenant, err := s.LookupKey(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, &Tenant{ID: "acme", KeyID: "k1", Active: true, RPMLimit: 60}, tenant)

	tenant, err = s.LookupKey(ctx, HashKey("alk_nope"))
	require.NoError(t, err)
	assert.Nil(t, tenant)

	_, err = s.LookupKey(ctx, HashKey("alk_boom"))
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	schema := `
CREATE TABLE tenants (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	rpm_limit INTEGER,
	tpm_limit INTEGER
);
CREATE TABLE api_keys (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	key_hash   TEXT NOT NULL UNIQUE,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ
);
INSERT INTO tenants (id, name, rpm_limit) VALUES ('acme', 'Acme', 100);
INSERT INTO tenants (id, name, is_active) VALUES ('gone', 'Gone', FALSE);
INSERT INTO api_keys (id, tenant_id, key_hash) VALUES ('k1', 'acme', '` + HashKey("alk_good") + `');
INSERT INTO api_keys (id, tenant_id, key_hash) VALUES ('k2', 'gone', '` + HashKey("alk_gone") + `');
`
	db := pgtest.Start(t, schema)
	s := NewPostgresStore(db)
	ctx := context.Background()

	tenant, err := s.LookupKey(ctx, HashKey("alk_good"))
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, "acme", tenant.ID)
	assert.Equal(t, "k1", tenant.KeyID)
	assert.True(t, tenant.Active)
	assert.Equal(t, 100, tenant.RPMLimit)
	assert.Zero(t, tenant.TPMLimit)

	tenant, err = s.LookupKey(ctx, HashKey("alk_gone"))
	require.NoError(t, err)
	assert.False(t, tenant.Active)

	tenant, err = s.LookupKey(ctx, HashKey("alk_missing"))
	require.NoError(t, err)
	assert.Nil(t, tenant)
}
