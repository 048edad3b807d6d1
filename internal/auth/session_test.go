package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/keybar/internal/models"
)

func identityEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			t.Error("identity missing from context")
			return
		}
		JSONResponse(w, http.StatusOK, map[string]string{
			"device": id.Device.KeyID(),
			"user":   id.User.Email,
		})
	})
}

func serve(h http.Handler, r *http.Request) (*httptest.ResponseRecorder, map[string]string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestMiddlewareScenarios(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.auth.Middleware(identityEcho(t))
	d, s := f.enroll(t, genEd25519(t), models.AuthorizationUnset)

	// enrolled but not yet authorized
	rec, body := serve(h, signedRequest(t, s, http.MethodGet, "/api/v1/devices/self", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, map[string]string{"error": "authentication failed"}, body)

	// owner grants the device
	require.NoError(t, f.reg.Authorize(context.Background(), d.ID, true))
	rec, body = serve(h, signedRequest(t, s, http.MethodGet, "/api/v1/devices/self", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, d.KeyID(), body["device"])
	require.Equal(t, f.owner.Email, body["user"])

	// body altered after the digest was computed
	signed := signedRequest(t, s, http.MethodPost, "/api/v1/devices", []byte(`{"a":1}`))
	rec, body = serve(h, resend(signed, http.MethodPost, "/api/v1/devices", []byte(`{"a":2}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, map[string]string{"error": "authentication failed"}, body)
}

func TestMiddlewareUniformBody(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.auth.Middleware(identityEcho(t))
	_, s := f.enroll(t, genEd25519(t), models.AuthorizationGranted)

	unsigned := newRequest(http.MethodGet, "/", nil)
	stale := signedRequest(t, s, http.MethodGet, "/", nil)
	stale.Header.Set("Date", f.now.Add(-time.Hour).Format(http.TimeFormat))
	unknown := signedRequest(t, s, http.MethodGet, "/", nil)
	unknown.Header.Set("X-Device-Id", models.KeyID(uuid.New()))

	for _, r := range []*http.Request{unsigned, stale, unknown} {
		rec, body := serve(h, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.Equal(t, `Signature realm="keybar",headers="(request-target) host date accept"`, rec.Header().Get("WWW-Authenticate"))
		require.Equal(t, map[string]string{"error": "authentication failed"}, body)
	}
}

func TestMiddlewareInfrastructureError(t *testing.T) {
	f := newFixture(t, Options{})
	_, s := f.enroll(t, genEd25519(t), models.AuthorizationGranted)
	a := NewAuthenticator(failingLookup{}, f.users, Options{Now: func() time.Time { return f.now }})

	rec, _ := serve(a.Middleware(identityEcho(t)), signedRequest(t, s, http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRejectionStatus(t *testing.T) {
	for _, reason := range []Reason{
		ReasonMalformedSignature, ReasonMissingSignedHeader, ReasonStaleRequest, ReasonBodyTampered,
		ReasonUnknownDevice, ReasonInvalidSignature, ReasonReplayedRequest,
	} {
		require.Equal(t, http.StatusUnauthorized, reject(reason, nil).Status(), reason)
	}
	require.Equal(t, http.StatusForbidden, reject(ReasonDeviceNotAuthorized, nil).Status())
}

func TestFromContextEmpty(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
}

func TestMemoryReplayCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryReplayCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	fresh, err := c.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = c.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)

	now = now.Add(2 * time.Minute)
	fresh, err = c.Remember(ctx, "b", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, 1, c.Len(), "expired entries are swept")

	fresh, err = c.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}

func TestRedisReplayCache(t *testing.T) {
	addr := os.Getenv("KEYBAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KEYBAR_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	c := NewRedisReplayCache(client)

	key := uuid.NewString()
	fresh, err := c.Remember(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = c.Remember(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)
	require.NoError(t, client.Del(ctx, c.prefix+key).Err())
}
