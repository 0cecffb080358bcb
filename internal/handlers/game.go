package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/history"
	"fairplay-backend/internal/middleware"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/rounds"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	defaultHistoryLimit = 50
)

type GameHandler struct {
	manager  *rounds.Manager
	crash    *rounds.CrashRoom
	vault    *fairness.Vault
	registry *games.Registry
	archive  *history.Store
}

// NewGameHandler wires the round endpoints. crash may be nil when the crash
// room is disabled.
func NewGameHandler(manager *rounds.Manager, crash *rounds.CrashRoom, vault *fairness.Vault, registry *games.Registry, archive *history.Store) *GameHandler {
	return &GameHandler{
		manager:  manager,
		crash:    crash,
		vault:    vault,
		registry: registry,
		archive:  archive,
	}
}

type AdvanceRequest struct {
	Cell *int `json:"cell" binding:"required"`
}

type CrashBetRequest struct {
	Stake       int64           `json:"stake" binding:"required"`
	Currency    string          `json:"currency"`
	AutoCashout decimal.Decimal `json:"auto_cashout"`
}

type RotateSeedRequest struct {
	ClientSeed string `json:"client_seed"`
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := c.GetHeader(HeaderIdempotencyKey)
	if key == "" || len(key) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   models.CodeInvalidInput,
			"details": HeaderIdempotencyKey + " header is required (max 128 chars)",
		})
		return "", false
	}
	return key, true
}

func (h *GameHandler) StartRound(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	var req rounds.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.IdempotencyKey = key

	receipt, err := h.manager.Start(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": receipt})
}

func (h *GameHandler) Advance(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)

	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.manager.Advance(c.Request.Context(), userID, c.Param("id"), *req.Cell)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (h *GameHandler) Settle(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)

	res, err := h.manager.Settle(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (h *GameHandler) GetRound(c *gin.Context) {
	session, err := h.manager.Get(c.GetString(middleware.KeyUserID), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": session})
}

func (h *GameHandler) ActiveRounds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rounds": h.manager.Active(c.GetString(middleware.KeyUserID))})
}

func (h *GameHandler) Play(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	var req rounds.PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.IdempotencyKey = key

	res, err := h.manager.Play(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "replayed": res.Replayed, "result": res.Result})
}

func (h *GameHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, models.NewError(models.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	results, err := h.archive.ListByOwner(c.Request.Context(), c.GetString(middleware.KeyUserID), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": results})
}

func (h *GameHandler) GetSeed(c *gin.Context) {
	mode, err := models.ParseGameMode(c.Param("mode"))
	if err != nil {
		respondError(c, err)
		return
	}
	userID := c.GetString(middleware.KeyUserID)

	current, err := h.vault.Current(userID, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current":  current,
		"revealed": h.vault.Revealed(userID, mode),
	})
}

func (h *GameHandler) RotateSeed(c *gin.Context) {
	mode, err := models.ParseGameMode(c.Param("mode"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req RotateSeedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	revealed, next, err := h.manager.RotateSeed(c.Request.Context(), c.GetString(middleware.KeyUserID), mode, req.ClientSeed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revealed": revealed, "current": next})
}

func (h *GameHandler) CrashState(c *gin.Context) {
	if !h.crashEnabled(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": h.crash.Name(), "state": h.crash.State()})
}

func (h *GameHandler) CrashBet(c *gin.Context) {
	if !h.crashEnabled(c) {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	var req CrashBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	receipt, err := h.crash.PlaceBet(c.Request.Context(), c.GetString(middleware.KeyUserID), req.Currency, req.Stake, req.AutoCashout, key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "bet": receipt})
}

func (h *GameHandler) CrashCashout(c *gin.Context) {
	if !h.crashEnabled(c) {
		return
	}
	res, err := h.crash.Cashout(c.Request.Context(), c.GetString(middleware.KeyUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cashout": res})
}

func (h *GameHandler) crashEnabled(c *gin.Context) bool {
	if h.crash == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": models.CodeSessionNotFound, "details": "crash room is disabled"})
		return false
	}
	return true
}

// Verify recomputes a round from revealed seeds. It needs no account.
func (h *GameHandler) Verify(c *gin.Context) {
	var req games.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.registry.Verify(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "result": res})
}
