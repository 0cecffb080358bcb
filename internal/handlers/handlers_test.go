package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/fanout"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/history"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/rounds"
	"fairplay-backend/internal/services"
)

const providerKey = "provider-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	jwt     *services.JWTService
	hub     *fanout.Hub
	ledger  *ledger.Ledger
	manager *rounds.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := ledger.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	l := ledger.New(store, ledger.Config{DefaultCurrency: "USD", StartingBalance: 1000}, nil)

	archive, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	reg, err := games.NewRegistry(games.DefaultTuning())
	require.NoError(t, err)
	vault := fairness.NewVault()
	manager := rounds.NewManager(reg, vault, l, archive, rounds.Config{Currency: "USD", SettleRetry: 50 * time.Millisecond}, nil)

	hub := fanout.NewHub()
	t.Cleanup(hub.Close)

	jwtService := services.NewJWTServiceWithSecret("secret", time.Hour)
	router := NewRouter(RouterConfig{
		Auth:        jwtService,
		ProviderKey: providerKey,
		Game:        NewGameHandler(manager, nil, vault, reg, archive),
		Wallet:      NewWalletHandler(l),
		Provider:    NewProviderHandler(l),
		WS:          NewWebSocketHandler(hub, nil),
	})
	return &testServer{router: router, jwt: jwtService, hub: hub, ledger: l, manager: manager}
}

func (s *testServer) token(t *testing.T, user string) string {
	t.Helper()
	token, _, err := s.jwt.GenerateToken(user)
	require.NoError(t, err)
	return token
}

type call struct {
	method  string
	path    string
	user    string
	body    any
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, c.user))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func idem(key string) map[string]string {
	return map[string]string{HeaderIdempotencyKey: key}
}

func TestWalletOpensOnFirstRead(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: http.MethodGet, path: "/api/wallet", user: "alice"})
	require.Equal(t, http.StatusOK, status)
	wallet := body["wallet"].(map[string]any)
	assert.Equal(t, float64(1000), wallet["balance"])
	assert.Equal(t, "10.00 USD", wallet["display"])

	status, body = s.do(t, call{method: http.MethodGet, path: "/api/wallet/entries", user: "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["entries"], 1)

	status, _ = s.do(t, call{method: http.MethodGet, path: "/api/wallet"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRoundEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodGet, path: "/api/wallet", user: "alice"})
	start := map[string]any{"mode": "mines", "stake": 100, "params": map[string]any{"mines": 3}}

	status, body := s.do(t, call{method: http.MethodPost, path: "/api/rounds", user: "alice", body: start})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(models.CodeInvalidInput), body["error"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds", user: "alice", body: start, headers: idem("r1")})
	require.Equal(t, http.StatusOK, status, body)
	round := body["round"].(map[string]any)
	sid := round["session_id"].(string)
	assert.Len(t, round["server_seed_hash"], 64)

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds", user: "alice", body: start, headers: idem("r1")})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, sid, body["round"].(map[string]any)["session_id"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds", user: "alice", body: start, headers: idem("r2")})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(models.CodeActiveSessionExists), body["error"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds/" + sid + "/settle", user: "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(models.CodeNothingToSettle), body["error"])

	status, _ = s.do(t, call{method: http.MethodPost, path: "/api/rounds/" + sid + "/advance", user: "alice", body: map[string]any{"cell": 99}})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do(t, call{method: http.MethodPost, path: "/api/rounds/" + sid + "/advance", user: "alice", body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds/" + sid + "/advance", user: "bob", body: map[string]any{"cell": 0}})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(models.CodeNotOwner), body["error"])
	status, _ = s.do(t, call{method: http.MethodPost, path: "/api/rounds/nope/advance", user: "alice", body: map[string]any{"cell": 0}})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, call{method: http.MethodGet, path: "/api/rounds/active", user: "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["rounds"], 1)

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/rounds/" + sid + "/advance", user: "alice", body: map[string]any{"cell": 0}})
	require.Equal(t, http.StatusOK, status)
	state := body["result"].(map[string]any)["session"].(map[string]any)["state"]
	assert.Contains(t, []any{"ACTIVE", "LOST"}, state)

	status, _ = s.do(t, call{method: http.MethodPost, path: "/api/seeds/mines/rotate", user: "alice"})
	if state == "ACTIVE" {
		assert.Equal(t, http.StatusConflict, status)
	} else {
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestPlayReplayAndVerify(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodGet, path: "/api/wallet", user: "alice"})
	play := map[string]any{"mode": "dice", "stake": 100, "params": map[string]any{"target": "50"}}

	status, first := s.do(t, call{method: http.MethodPost, path: "/api/play", user: "alice", body: play, headers: idem("p1")})
	require.Equal(t, http.StatusOK, status, first)
	assert.Equal(t, false, first["replayed"])

	status, again := s.do(t, call{method: http.MethodPost, path: "/api/play", user: "alice", body: play, headers: idem("p1")})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, again["replayed"])
	result := first["result"].(map[string]any)
	assert.Equal(t, result["round_id"], again["result"].(map[string]any)["round_id"])

	status, body := s.do(t, call{method: http.MethodGet, path: "/api/seeds/dice", user: "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["revealed"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/api/seeds/dice/rotate", user: "alice", body: map[string]any{"client_seed": "mine"}})
	require.Equal(t, http.StatusOK, status)
	revealed := body["revealed"].(map[string]any)
	assert.Equal(t, "mine", body["current"].(map[string]any)["client_seed"])

	verify := map[string]any{
		"mode":             "dice",
		"server_seed":      revealed["server_seed"],
		"server_seed_hash": revealed["server_seed_hash"],
		"client_seed":      revealed["client_seed"],
		"nonce":            result["nonce"],
		"params":           play["params"],
		"stake":            100,
	}
	status, body = s.do(t, call{method: http.MethodPost, path: "/verify", body: verify})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, result["payout"], body["result"].(map[string]any)["payout"])

	verify["server_seed"] = "forged"
	status, body = s.do(t, call{method: http.MethodPost, path: "/verify", body: verify})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(models.CodeVerificationFailed), body["error"])

	status, body = s.do(t, call{method: http.MethodGet, path: "/api/history", user: "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["rounds"], 1)
}

func TestCrashDisabled(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, call{method: http.MethodGet, path: "/api/crash", user: "alice"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProviderBridge(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodGet, path: "/api/wallet", user: "alice"})
	key := map[string]string{"X-Provider-Key": providerKey}
	debit := map[string]any{"owner_id": "alice", "amount": 300, "transaction_id": "tx-1"}

	status, _ := s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: debit})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: debit, headers: key})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, float64(700), body["balance"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: debit, headers: key})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(700), body["balance"])

	debit["amount"] = 301
	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: debit, headers: key})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(models.CodeDuplicateTx), body["error"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: map[string]any{"owner_id": "alice", "amount": 5000, "transaction_id": "tx-2"}, headers: key})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(models.CodeInsufficientFunds), body["error"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/credit", body: map[string]any{"owner_id": "alice", "amount": 50, "transaction_id": "tx-3"}, headers: key})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(750), body["balance"])

	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/rollback", body: map[string]any{"transaction_id": "tx-1"}, headers: key})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, float64(1050), body["balance"])

	status, _ = s.do(t, call{method: http.MethodPost, path: "/provider/rollback", body: map[string]any{"transaction_id": "missing"}, headers: key})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, call{method: http.MethodPost, path: "/provider/debit", body: map[string]any{"owner_id": "ghost", "amount": 1, "transaction_id": "tx-4"}, headers: key})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(models.CodeUserNotFound), body["error"])
}

func TestStatusMapping(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, models.WrapError(models.CodeStoreUnavailable, "ledger", assert.AnError))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"retryable":true`)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	respondError(c, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketSubscription(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	require.NoError(t, s.hub.Publish("lobby", "OPEN", nil, map[string]any{"round": 1}))
	require.Eventually(t, func() bool {
		peek, err := s.hub.Subscribe("lobby")
		if err != nil {
			return false
		}
		defer peek.Close()
		return peek.Snapshot.Seq == 1
	}, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + s.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgPing}))
	assert.Equal(t, MsgPong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe, Room: "lobby"}))
	snap := readMessage(t, conn)
	assert.Equal(t, MsgSnapshot, snap.Type)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, map[string]any{"round": float64(1)}, snap.Data)

	require.NoError(t, s.hub.Publish("lobby", "TICK", map[string]any{"m": "1.05"}, nil))
	ev := readMessage(t, conn)
	assert.Equal(t, MsgEvent, ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "TICK", ev.Data.(map[string]any)["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "DANCE"}))
	assert.Equal(t, MsgError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgUnsubscribe, Room: "lobby"}))
	assert.Eventually(t, func() bool { return s.hub.Subscribers("lobby") == 0 }, time.Second, 10*time.Millisecond)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	assert.Error(t, err)
}
