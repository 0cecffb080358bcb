package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/middleware"
	"fairplay-backend/internal/models"
)

type WalletHandler struct {
	ledger *ledger.Ledger
}

func NewWalletHandler(l *ledger.Ledger) *WalletHandler {
	return &WalletHandler{ledger: l}
}

// GetWallet opens the caller's wallet on first use and returns its balance.
func (h *WalletHandler) GetWallet(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)

	wallet, err := h.ledger.Open(c.Request.Context(), userID, c.Query("currency"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet": models.BalanceResponse{
			Balance:       wallet.Balance,
			LockedBalance: wallet.LockedBalance,
			Currency:      wallet.Currency,
			Display:       models.FormatAmount(wallet.Balance, wallet.Currency),
		},
	})
}

func (h *WalletHandler) GetEntries(c *gin.Context) {
	limit := ledger.DefaultEntryHistory
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, models.NewError(models.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.ledger.Entries(c.Request.Context(), c.GetString(middleware.KeyUserID), c.Query("currency"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
