package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hermes-inc/hermes/internal/application/mediator"
	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/auth"
	"github.com/hermes-inc/hermes/internal/infrastructure/cache"
	"github.com/hermes-inc/hermes/internal/infrastructure/migration"
	"github.com/hermes-inc/hermes/internal/infrastructure/push"
	"github.com/hermes-inc/hermes/internal/infrastructure/repository"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

type fixture struct {
	engine   *gin.Engine
	service  *mediator.Service
	users    *repository.UserRepository
	registry *repository.RegistryRepository
	pickups  *mediator.PickupRegistry
	shard    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migration.NewManager(db, logger.NewLogger()).Run())

	kv := cache.NewWithBackend(cache.NewMemoryBackend(), 60, logger.NewLogger())
	reg := repository.NewRegistryRepository(db, kv, logger.NewLogger())
	pairwises := repository.NewPairwiseRepository(db, logger.NewLogger())
	users := repository.NewUserRepository(db, auth.NewPasswordHasher(4), logger.NewLogger())
	backups := repository.NewBackupRepository(db, logger.NewLogger())

	keys, err := envelope.KeyPairFromSeed(bytes.Repeat([]byte{0x55}, 32))
	require.NoError(t, err)
	engine := push.NewEngine(pool, reg, 200*time.Millisecond, true, logger.NewLogger())
	pickups := mediator.NewPickupRegistry()
	router := mediator.NewRouter(keys, reg, pool, engine, nil, pickups, logger.NewLogger())

	service := &mediator.Service{
		Keys:      keys,
		Registry:  reg,
		Pairwises: pairwises,
		Router:    router,
		Bus:       mediator.NewBus(pool, logger.NewLogger()),
		Pickups:   pickups,
		Pool:      pool,
		Engine:    engine,
		Label:     "Hermes Mediator",
		PublicURL: "https://mediator.example.com",
		Log:       logger.NewLogger(),
	}

	ginEngine := gin.New()
	NewRouter(Deps{
		Service:   service,
		Users:     users,
		Backups:   backups,
		KV:        repository.NewKVRepository(db, logger.NewLogger()),
		JWT:       auth.NewJWTManager("test-secret", time.Hour),
		DB:        db,
		Cache:     kv,
		Pool:      pool,
		StartedAt: time.Now(),
		Log:       logger.NewLogger(),
	}).Setup(ginEngine, "e")

	return &fixture{
		engine:   ginEngine,
		service:  service,
		users:    users,
		registry: reg,
		pickups:  pickups,
		shard:    mr.Addr(),
	}
}

func (f *fixture) do(method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestEndpointInboxContentTypeWhitelist(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/e/some-uid", "text/plain", []byte("{}"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestEndpointInboxUnknownUID(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/e/missing", contentTypeWire, []byte(`{"protected":"x"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointInboxGone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.EnsureEndpoint(context.Background(), "orphan", registry.EndpointUpdate{}))

	// Known endpoint, no live consumer, no pickup queue, no way to wake
	// the device: the message parks and the sender hears 410.
	w := f.do(http.MethodPost, "/e/orphan", contentTypeWire, []byte(`{"protected":"x"}`))
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestEndpointInboxDeliversPlainJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-plain", registry.EndpointUpdate{}))
	queue := f.pickups.Enable("ep-plain")

	// The inbox never inspects the body: any payload the recipient can
	// understand goes through as posted.
	body := []byte(`{"k":"v"}`)
	w := f.do(http.MethodPost, "/e/ep-plain", "application/json", body)
	assert.Equal(t, http.StatusAccepted, w.Code)

	batch := queue.Batch(ctx, 1, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, string(body), string(batch[0].Payload))
}

func TestEndpointInboxKeepsEnvelopeSealed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender, err := envelope.KeyPairFromSeed(bytes.Repeat([]byte{0x56}, 32))
	require.NoError(t, err)
	recipient, err := envelope.KeyPairFromSeed(bytes.Repeat([]byte{0x57}, 32))
	require.NoError(t, err)

	vk := recipient.VerkeyB58
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-http", registry.EndpointUpdate{Verkey: &vk}))
	queue := f.pickups.Enable("ep-http")

	// Even an envelope the mediator could open arrives at the recipient
	// byte for byte.
	inner := []byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"1"}`)
	packed, err := mediator.WrapForward(inner, recipient.VerkeyB58, []string{f.service.Keys.VerkeyB58}, sender)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/e/ep-http", contentTypeWire, packed)
	assert.Equal(t, http.StatusAccepted, w.Code)

	batch := queue.Batch(ctx, 1, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, string(packed), string(batch[0].Payload))
}

func TestEndpointInboxNeedsFCM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The device registered a Firebase token, but this mediator has no
	// FCM credentials to wake it with.
	token := "real-device-token"
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-fcm", registry.EndpointUpdate{
		FCMDeviceID: &token,
	}))

	w := f.do(http.MethodPost, "/e/ep-fcm", contentTypeWire, []byte(`{"protected":"x"}`))
	assert.Equal(t, http.StatusMisdirectedRequest, w.Code)
}

func TestMainInboxPingReturnsPackedReply(t *testing.T) {
	f := newFixture(t)

	agent, err := envelope.KeyPairFromSeed(bytes.Repeat([]byte{0x59}, 32))
	require.NoError(t, err)

	ping, err := json.Marshal(map[string]any{
		"@id":        "ping-http",
		"@type":      mediator.TypePing,
		"~transport": map[string]string{"return_route": mediator.ReturnRouteAll},
	})
	require.NoError(t, err)
	packed, err := envelope.Pack(ping, []string{f.service.Keys.VerkeyB58}, agent)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/endpoint", contentTypeWire, packed)
	require.Equal(t, http.StatusOK, w.Code)

	raw, _, _, err := envelope.Unpack(w.Body.Bytes(), agent)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, mediator.TypePingResponse, reply["@type"])
}

func TestMainInboxEmptyBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/endpoint", contentTypeWire, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvitation(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/invitation", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Invitation    mediator.Invitation `json:"invitation"`
		InvitationURL string              `json:"invitation_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, mediator.TypeInvitation, body.Invitation.Type)
	assert.Equal(t, []string{f.service.Keys.VerkeyB58}, body.Invitation.RecipientKeys)
	assert.Contains(t, body.InvitationURL, "c_i=")
}

func TestAdminLoginAndUserLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Create(ctx, "admin", "swordfish-9")
	require.NoError(t, err)

	// Wrong password.
	w := f.do(http.MethodPost, "/admin/login", "application/json",
		[]byte(`{"username":"admin","password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Login.
	w = f.do(http.MethodPost, "/admin/login", "application/json",
		[]byte(`{"username":"admin","password":"swordfish-9"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.AccessToken)

	// Creating users needs the token.
	w = f.do(http.MethodPost, "/admin/users", "application/json",
		[]byte(`{"username":"second","password":"long-enough-pw"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/users",
		bytes.NewReader([]byte(`{"username":"second","password":"long-enough-pw"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate username conflicts.
	req = httptest.NewRequest(http.MethodPost, "/admin/users",
		bytes.NewReader([]byte(`{"username":"second","password":"long-enough-pw"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Create(ctx, "ops", "super-secret-pw")
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/admin/login", "application/json",
		[]byte(`{"username":"ops","password":"super-secret-pw"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodPost, "/admin/settings",
		bytes.NewReader([]byte(`{"name":"fcm_enabled","value":true}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/settings/fcm_enabled", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var setting struct {
		Value any `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setting))
	assert.Equal(t, true, setting.Value)
}

func TestAdminKVRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Create(ctx, "kv-admin", "long-enough-pw")
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/admin/login", "application/json",
		[]byte(`{"username":"kv-admin","password":"long-enough-pw"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodPost, "/admin/kv",
		bytes.NewReader([]byte(`{"namespace":"wallet","key":"label","value":"Phone"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/kv/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Items map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, "Phone", listing.Items["label"])
}

func TestMaintenanceProbes(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/maintenance/liveness_check", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/maintenance/health_check", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
}
