package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ordertech/drivethru/backend/internal/auth"
	"github.com/ordertech/drivethru/backend/internal/basket"
	"github.com/ordertech/drivethru/backend/internal/catalog"
	"github.com/ordertech/drivethru/backend/internal/pairing"
	"github.com/ordertech/drivethru/backend/internal/presence"
	"github.com/ordertech/drivethru/backend/internal/realtime"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

const (
	testTenant       = "tenant-a"
	testAdminSecret  = "admin-secret"
	testAdminIssuer  = "drivethru-admin"
	testDeviceSecret = "device-secret"
)

var fixtureNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

const fixtureSeed = `
tenants:
  - id: tenant-a
    name: Kiosk North
    license_limit: 2
    categories:
      - name: Drinks
        sort_order: 1
        products:
          - sku: SKU1
            name: Coffee
            price: 1.5
          - sku: SKU2
            name: Tea
            price: 1.25
      - name: Bakery
        sort_order: 2
        products:
          - sku: SKU3
            name: Croissant
            price: 2.1
`

type serverFixture struct {
	server    *httptest.Server
	hub       *realtime.Hub
	sessions  *session.Store
	relay     *signaling.Relay
	presence  *presence.Registry
	directory *catalog.Directory
	tokens    *auth.DeviceTokenIssuer
	live      *LiveDispatcher
	codes     chan string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return fixtureNow }

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(catalog.Models()...))
	_, err = catalog.Seed(context.Background(), db, strings.NewReader(fixtureSeed))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	})

	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db})
	require.NoError(t, err)
	directory, err := catalog.NewDirectory(catalog.DirectoryConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	tokens, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(testDeviceSecret),
		Issuer:        "drivethru",
		Audience:      "drivethru-devices",
		Clock:         clock,
	})
	require.NoError(t, err)
	admin, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
		SigningSecret: []byte(testAdminSecret),
		Issuer:        testAdminIssuer,
		Clock:         clock,
	})
	require.NoError(t, err)

	codes := make(chan string, 8)
	deviceSequence := 0
	activation, err := pairing.NewService(pairing.ServiceConfig{
		Store:     pairing.NewMemoryStore(),
		Directory: directory,
		Tokens:    tokens,
		Clock:     clock,
		CodeSource: func() (string, error) {
			select {
			case code := <-codes:
				return code, nil
			default:
				return "482913", nil
			}
		},
		DeviceIDs: func() string {
			deviceSequence++
			return fmt.Sprintf("device-%d", deviceSequence)
		},
	})
	require.NoError(t, err)

	live := NewLiveDispatcher()
	sessions := session.NewStore(session.StoreConfig{Clock: clock})
	hub, err := realtime.NewHub(realtime.Config{
		Store:         sessions,
		Engine:        basket.NewEngine(basket.EngineConfig{Catalog: catalogService}),
		DefaultTenant: testTenant,
		Observer:      live,
		Clock:         clock,
	})
	require.NoError(t, err)
	relay := signaling.NewRelay(signaling.Config{Notifier: hub, Clock: clock})
	registry := presence.NewRegistry(presence.Config{Clock: clock})

	handler, err := NewHTTPHandler(Dependencies{
		Hub:           hub,
		Sessions:      sessions,
		Signaling:     relay,
		Presence:      registry,
		Activation:    activation,
		Catalog:       catalogService,
		Directory:     directory,
		DeviceTokens:  tokens,
		Admin:         admin,
		Live:          live,
		DefaultTenant: testTenant,
		LiveHeartbeat: time.Hour,
		Clock:         clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &serverFixture{
		server:    server,
		hub:       hub,
		sessions:  sessions,
		relay:     relay,
		presence:  registry,
		directory: directory,
		tokens:    tokens,
		live:      live,
		codes:     codes,
	}
}

type testResponse struct {
	status int
	header http.Header
	body   map[string]any
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) testResponse {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := f.server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	payload := map[string]any{}
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload), "body: %s", raw)
	}
	return testResponse{status: response.StatusCode, header: response.Header, body: payload}
}

func adminToken(t *testing.T, tenantID string, expiresAt time.Time, roles ...string) string {
	t.Helper()
	claims := auth.AdminClaims{
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Issuer:    testAdminIssuer,
			IssuedAt:  jwt.NewNumericDate(fixtureNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAdminSecret))
	require.NoError(t, err)
	return signed
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization": "Bearer " + adminToken(t, testTenant, fixtureNow.Add(time.Hour), auth.AdminRole),
	}
}

// activateDevice issues a code for role and claims it through the admin API,
// returning the device token the device would receive on its next poll.
func (f *serverFixture) activateDevice(t *testing.T, code, role, name string) map[string]any {
	t.Helper()
	f.codes <- code
	started := f.do(t, http.MethodPost, "/device/pair/start", map[string]string{"role": role, "name": name}, nil)
	require.Equal(t, http.StatusOK, started.status, started.body)
	require.Equal(t, code, started.body["code"])

	claimed := f.do(t, http.MethodPost, "/admin/devices/claim", map[string]string{"code": code, "role": role}, adminHeaders(t))
	require.Equal(t, http.StatusOK, claimed.status, claimed.body)

	status := f.do(t, http.MethodGet, "/device/pair/"+code+"/status", nil, nil)
	require.Equal(t, http.StatusOK, status.status, status.body)
	require.Equal(t, string(pairing.StatusClaimed), status.body["status"])
	return status.body
}
