package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/ledger"
)

// ProviderHandler is the settlement bridge for external game providers.
// Every call is keyed by the provider's transaction id, so retries are safe.
type ProviderHandler struct {
	ledger *ledger.Ledger
}

func NewProviderHandler(l *ledger.Ledger) *ProviderHandler {
	return &ProviderHandler{ledger: l}
}

type ProviderTransferRequest struct {
	OwnerID       string `json:"owner_id" binding:"required"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id" binding:"required"`
	Reference     string `json:"reference"`
}

type ProviderRollbackRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Reference     string `json:"reference"`
}

func (h *ProviderHandler) Debit(c *gin.Context) {
	var req ProviderTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.ledger.ProviderDebit(c.Request.Context(), req.OwnerID, req.Currency, req.Amount, req.TransactionID, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": entry.BalanceAfter, "entry": entry})
}

func (h *ProviderHandler) Credit(c *gin.Context) {
	var req ProviderTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.ledger.ProviderCredit(c.Request.Context(), req.OwnerID, req.Currency, req.Amount, req.TransactionID, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": entry.BalanceAfter, "entry": entry})
}

func (h *ProviderHandler) Rollback(c *gin.Context) {
	var req ProviderRollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.ledger.Rollback(c.Request.Context(), ledger.ProviderKey(req.TransactionID), req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": entry.BalanceAfter, "entry": entry})
}
