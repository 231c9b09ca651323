package api

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/locker"
	"github.com/bastion-games/bastion/pkg/metrics"
	"github.com/bastion-games/bastion/pkg/push"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/service"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

func newTestServer(t *testing.T, cfg *config.Server) *Server {
	t.Helper()

	mem := cache.NewMemStore()
	t.Cleanup(func() { _ = mem.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	deps := &service.Deps{
		Cache:   mem,
		Store:   store,
		Queue:   queue.New(mem),
		Locker:  locker.New(time.Second),
		Catalog: testCatalog(),
		Events:  broker,
		Now:     time.Now,
		Rand:    rand.New(rand.NewSource(1)),
	}
	if cfg == nil {
		cfg = config.DefaultServer()
	}
	return NewServer(cfg, deps, push.NewHub(broker))
}

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Buildings: map[int]*config.BuildingSpec{
			1: {Idx: 1, Name: "Castle", MaxLevel: 2, Levels: map[int]*config.BuildingLevelSpec{
				1: {Level: 1, Cost: types.Cost{types.ResourceFood: 100}, Power: 20},
				2: {Level: 2, Cost: types.Cost{types.ResourceFood: 200}, TimeSeconds: 100, Power: 40},
			}},
		},
		Units:      map[int]*config.UnitSpec{},
		Researches: map[int]*config.ResearchSpec{},
		Items:      map[int]*config.ItemSpec{},
		Missions:   map[int]*config.MissionSpec{},
		Shop:       &config.ShopSpec{RefreshRubyCost: 10},
		Alliance:   &config.AllianceSpec{MaxMembers: 10, DonateExpDivisor: 100},
		Refunds:    config.RefundSpec{ResearchPercent: 50, BuildingPercent: 100, UnitPercent: 100},
	}
}

// post sends one command envelope through the dispatcher
func post(t *testing.T, s *Server, req *Request) (int, *Response) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleAPI(w, r)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, &resp
}

// login creates a user and returns its id
func login(t *testing.T, s *Server, account string) int64 {
	t.Helper()
	data, err := json.Marshal(map[string]string{"account_id": account})
	require.NoError(t, err)

	code, resp := post(t, s, &Request{APICode: types.APILogin, Data: data})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	result := resp.Data.(map[string]interface{})
	user := result["user"].(map[string]interface{})
	return int64(user["id"].(float64))
}

func TestAPIRequiresPost(t *testing.T) {
	s := newTestServer(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	w := httptest.NewRecorder()
	s.handleAPI(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIMalformedBody(t *testing.T) {
	s := newTestServer(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/api", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.handleAPI(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIUnknownCode(t *testing.T) {
	s := newTestServer(t, nil)

	code, resp := post(t, s, &Request{UserNo: 1, APICode: 9999})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown api_code", resp.Message)
}

func TestAPIRequiresUserExceptLogin(t *testing.T) {
	s := newTestServer(t, nil)

	code, resp := post(t, s, &Request{APICode: types.APIResourceInfo})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user_no is required", resp.Message)
}

func TestAPILoginFlow(t *testing.T) {
	s := newTestServer(t, nil)

	userID := login(t, s, "acct-1")
	assert.Equal(t, int64(1), userID)

	code, resp := post(t, s, &Request{UserNo: userID, APICode: types.APIResourceInfo})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	res := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(10000), res["food"])
}

func TestAPICommandDispatch(t *testing.T) {
	s := newTestServer(t, nil)
	userID := login(t, s, "acct-1")

	data, err := json.Marshal(map[string]int{"building_idx": 1})
	require.NoError(t, err)

	code, resp := post(t, s, &Request{UserNo: userID, APICode: types.APIBuildingCreate, Data: data})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	// Duplicate create maps to conflict
	code, resp = post(t, s, &Request{UserNo: userID, APICode: types.APIBuildingCreate, Data: data})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
}

func TestAPIErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	userID := login(t, s, "acct-1")

	// Unknown catalog idx is a validation failure
	data, err := json.Marshal(map[string]int{"building_idx": 99})
	require.NoError(t, err)
	code, _ := post(t, s, &Request{UserNo: userID, APICode: types.APIBuildingCreate, Data: data})
	assert.Equal(t, http.StatusBadRequest, code)

	// Leveling a building never built is not found
	data, err = json.Marshal(map[string]int{"building_idx": 1})
	require.NoError(t, err)
	code, _ = post(t, s, &Request{UserNo: userID, APICode: types.APIBuildingLevelup, Data: data})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPIRateLimit(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.RateLimit = 1
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg)
	userID := login(t, s, "acct-1")

	code, _ := post(t, s, &Request{UserNo: userID, APICode: types.APIResourceInfo})
	require.Equal(t, http.StatusOK, code)

	code, resp := post(t, s, &Request{UserNo: userID, APICode: types.APIResourceInfo})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", resp.Message)
}

func TestAPIRateLimitIsPerUser(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.RateLimit = 1
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg)
	first := login(t, s, "acct-1")
	second := login(t, s, "acct-2")

	code, _ := post(t, s, &Request{UserNo: first, APICode: types.APIResourceInfo})
	require.Equal(t, http.StatusOK, code)

	// A throttled neighbor does not starve other users
	code, _ = post(t, s, &Request{UserNo: second, APICode: types.APIResourceInfo})
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthReportsDeadLetters(t *testing.T) {
	s := newTestServer(t, nil)

	member := queue.Member(1, "1", "")
	require.NoError(t, s.deps.Queue.DeadLetter(types.TaskBuilding, member))

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	metrics.HealthHandler()(w, r)

	var health metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, 1, health.DeadLetters[string(types.TaskBuilding)])
	assert.Zero(t, health.DeadLetters[string(types.TaskResearch)])
}

func TestWSRejectsBadUserID(t *testing.T) {
	s := newTestServer(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws/zero", nil)
	w := httptest.NewRecorder()
	s.handleWS(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
