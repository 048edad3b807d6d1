package api

import (
	"bytes"
	"context"
	gocrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/keybar/internal/auth"
	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/httpsig"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/registry"
	"github.com/harrylevesque/keybar/internal/utils"
)

type fakeUsers struct {
	byID map[uuid.UUID]*models.User
}

func (f *fakeUsers) add(email string) *models.User {
	u := &models.User{ID: uuid.New(), Email: email, IsActive: true, DateJoined: time.Now().UTC()}
	f.byID[u.ID] = u
	return u
}

func (f *fakeUsers) LookupUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, models.ErrUserNotFound
}

func (f *fakeUsers) LookupByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, models.ErrUserNotFound
}

func (f *fakeUsers) List(context.Context) []*models.User {
	out := make([]*models.User, 0, len(f.byID))
	for _, u := range f.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

type testServer struct {
	*httptest.Server
	reg   *registry.Registry
	users *fakeUsers
	alice *models.User
	bob   *models.User
}

func newTestServer(t *testing.T, limiter *IPRateLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		reg:   registry.New(registry.NewMemoryStore(), nil),
		users: &fakeUsers{byID: map[uuid.UUID]*models.User{}},
	}
	ts.alice = ts.users.add("alice@example.com")
	ts.bob = ts.users.add("bob@example.com")

	authn := auth.NewAuthenticator(ts.reg, ts.users, auth.Options{})
	ts.Server = httptest.NewServer(NewRouter(Deps{
		Devices:       ts.reg,
		Users:         ts.users,
		Authenticator: authn,
		EnrollLimiter: limiter,
		Logger:        utils.Discard(),
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newKey(t *testing.T) (gocrypto.Signer, string) {
	t.Helper()
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, err := crypto.EncodePublicKey(k.Public())
	require.NoError(t, err)
	return k, pub
}

func (ts *testServer) enroll(t *testing.T, email, pub string) (*http.Response, DeviceView) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"owner_email": email, "public_key": pub, "name": "laptop"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/devices", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var view DeviceView
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	}
	return resp, view
}

// device enrolls a fresh key for email and returns a signing client.
func (ts *testServer) device(t *testing.T, email string, authorize bool) (DeviceView, *http.Client) {
	t.Helper()
	key, pub := newKey(t)
	resp, view := ts.enroll(t, email, pub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	if authorize {
		id, err := models.ParseKeyID(view.ID)
		require.NoError(t, err)
		require.NoError(t, ts.reg.Authorize(context.Background(), id, true))
	}
	s, err := httpsig.NewSigner(view.ID, key)
	require.NoError(t, err)
	return view, &http.Client{Transport: &httpsig.Transport{Signer: s}}
}

func do(t *testing.T, c *http.Client, method, url string, payload any) (int, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestHealthAndTime(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := do(t, http.DefaultClient, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = do(t, http.DefaultClient, http.MethodGet, ts.URL+"/time", nil)
	require.Equal(t, http.StatusOK, code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	_, err := time.Parse(time.RFC3339, out["time"])
	require.NoError(t, err)
	_, err = http.ParseTime(out["http"])
	require.NoError(t, err)
}

func TestEnroll(t *testing.T) {
	ts := newTestServer(t, nil)
	_, pub := newKey(t)

	resp, view := ts.enroll(t, "alice@example.com", pub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, view.ID, 32)
	require.Equal(t, "laptop", view.Name)
	require.Equal(t, models.AuthorizationUnset, view.Authorized)
	require.Equal(t, crypto.Fingerprint(pub), view.Fingerprint)

	resp, _ = ts.enroll(t, "alice@example.com", pub)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.enroll(t, "alice@example.com", "not a key")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, other := newKey(t)
	resp, _ = ts.enroll(t, "carol@example.com", other)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.bob.IsActive = false
	resp, _ = ts.enroll(t, "bob@example.com", other)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	code, _ := do(t, http.DefaultClient, http.MethodPost, ts.URL+"/api/v1/devices", map[string]any{"owner_email": 1})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestEnrollRateLimited(t *testing.T) {
	ts := newTestServer(t, NewIPRateLimiter(1, 1))
	_, pub := newKey(t)
	resp, _ := ts.enroll(t, "alice@example.com", pub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, pub = newKey(t)
	resp, _ = ts.enroll(t, "alice@example.com", pub)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestSignedRoutesRequireSignature(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/v1/devices", "/api/v1/devices/self", "/api/v1/users/me"} {
		code, body := do(t, http.DefaultClient, http.MethodGet, ts.URL+path, nil)
		require.Equal(t, http.StatusUnauthorized, code, path)
		require.JSONEq(t, `{"error":"authentication failed"}`, string(body))
	}
}

func TestPendingDeviceIsForbidden(t *testing.T) {
	ts := newTestServer(t, nil)
	_, client := ts.device(t, "alice@example.com", false)
	code, body := do(t, client, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusForbidden, code)
	require.JSONEq(t, `{"error":"authentication failed"}`, string(body))
}

func TestDeviceLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	first, firstClient := ts.device(t, "alice@example.com", true)

	code, body := do(t, firstClient, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusOK, code)
	var self DeviceView
	require.NoError(t, json.Unmarshal(body, &self))
	require.Equal(t, first.ID, self.ID)
	require.Equal(t, models.AuthorizationGranted, self.Authorized)

	code, body = do(t, firstClient, http.MethodGet, ts.URL+"/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, code)
	var me UserView
	require.NoError(t, json.Unmarshal(body, &me))
	require.Equal(t, ts.alice.ID, me.ID)

	// a second device is approved by the first
	second, secondClient := ts.device(t, "alice@example.com", false)
	code, _ = do(t, secondClient, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusForbidden, code)

	code, body = do(t, firstClient, http.MethodPost, ts.URL+"/api/v1/devices/"+second.ID+"/authorize", map[string]bool{"authorized": true})
	require.Equal(t, http.StatusOK, code)
	var approved DeviceView
	require.NoError(t, json.Unmarshal(body, &approved))
	require.Equal(t, models.AuthorizationGranted, approved.Authorized)

	code, _ = do(t, secondClient, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, secondClient, http.MethodGet, ts.URL+"/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, code)
	var list []DeviceView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)

	code, body = do(t, secondClient, http.MethodPatch, ts.URL+"/api/v1/devices/"+first.ID, map[string]string{"name": "old laptop"})
	require.Equal(t, http.StatusOK, code)
	var renamed DeviceView
	require.NoError(t, json.Unmarshal(body, &renamed))
	require.Equal(t, "old laptop", renamed.Name)

	code, _ = do(t, secondClient, http.MethodPatch, ts.URL+"/api/v1/devices/"+first.ID, map[string]string{"name": strings.Repeat("x", registry.MaxNameLength+1)})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, firstClient, http.MethodPost, ts.URL+"/api/v1/devices/"+second.ID+"/authorize", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)

	// revoking locks the second device out again
	code, _ = do(t, firstClient, http.MethodPost, ts.URL+"/api/v1/devices/"+second.ID+"/authorize", map[string]bool{"authorized": false})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, secondClient, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, firstClient, http.MethodDelete, ts.URL+"/api/v1/devices/"+second.ID, nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, secondClient, http.MethodGet, ts.URL+"/api/v1/devices/self", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, firstClient, http.MethodDelete, ts.URL+"/api/v1/devices/"+second.ID, nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, firstClient, http.MethodDelete, ts.URL+"/api/v1/devices/not-a-device", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestOtherOwnersDevicesAreOffLimits(t *testing.T) {
	ts := newTestServer(t, nil)
	_, aliceClient := ts.device(t, "alice@example.com", true)
	bobDevice, _ := ts.device(t, "bob@example.com", false)

	code, _ := do(t, aliceClient, http.MethodPost, ts.URL+"/api/v1/devices/"+bobDevice.ID+"/authorize", map[string]bool{"authorized": true})
	require.Equal(t, http.StatusForbidden, code)
	code, _ = do(t, aliceClient, http.MethodDelete, ts.URL+"/api/v1/devices/"+bobDevice.ID, nil)
	require.Equal(t, http.StatusForbidden, code)

	// superusers may manage any device
	ts.alice.IsSuperuser = true
	code, _ = do(t, aliceClient, http.MethodPost, ts.URL+"/api/v1/devices/"+bobDevice.ID+"/authorize", map[string]bool{"authorized": true})
	require.Equal(t, http.StatusOK, code)
}

func TestListUsersRequiresSuperuser(t *testing.T) {
	ts := newTestServer(t, nil)
	_, client := ts.device(t, "alice@example.com", true)

	code, _ := do(t, client, http.MethodGet, ts.URL+"/api/v1/users", nil)
	require.Equal(t, http.StatusForbidden, code)

	ts.alice.IsSuperuser = true
	code, body := do(t, client, http.MethodGet, ts.URL+"/api/v1/users", nil)
	require.Equal(t, http.StatusOK, code)
	var users []UserView
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 2)
	require.Equal(t, "alice@example.com", users[0].Email)
	require.True(t, users[0].IsSuperuser)
	require.Equal(t, "bob@example.com", users[1].Email)
}

type brokenUsers struct{ fakeUsers }

func (brokenUsers) LookupByEmail(context.Context, string) (*models.User, error) {
	return nil, errors.New("user store unavailable")
}

func TestEnrollOwnerLookupFailure(t *testing.T) {
	reg := registry.New(registry.NewMemoryStore(), nil)
	users := &brokenUsers{fakeUsers{byID: map[uuid.UUID]*models.User{}}}
	srv := httptest.NewServer(NewRouter(Deps{
		Devices:       reg,
		Users:         users,
		Authenticator: auth.NewAuthenticator(reg, users, auth.Options{}),
		Logger:        utils.Discard(),
	}))
	defer srv.Close()

	_, pub := newKey(t)
	code, _ := do(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/devices",
		map[string]string{"owner_email": "alice@example.com", "public_key": pub})
	require.Equal(t, http.StatusInternalServerError, code)
}

func TestRecovery(t *testing.T) {
	h := Recovery(utils.Discard(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	Recovery(utils.Discard(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	var disabled *IPRateLimiter
	require.True(t, disabled.Allow("1.2.3.4"))
	require.Nil(t, NewIPRateLimiter(0, 5))

	l := NewIPRateLimiter(60, 2)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	require.True(t, l.Allow("a"))

	now = now.Add(idleLimiterTTL + time.Minute)
	require.True(t, l.Allow("c"))
	l.mu.Lock()
	require.Len(t, l.limiters, 1)
	l.mu.Unlock()
}
