package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/middleware"
)

type RouterConfig struct {
	Auth        middleware.TokenValidator
	RateLimiter middleware.RateLimiter
	RateLimits  middleware.RateLimits
	ProviderKey string

	Game     *GameHandler
	Wallet   *WalletHandler
	Provider *ProviderHandler
	WS       *WebSocketHandler

	Logger *slog.Logger
}

func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Provider-Key")

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}

	c.Next()
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), cors)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/verify", cfg.Game.Verify)

	provider := router.Group("/provider")
	provider.Use(middleware.ProviderKeyMiddleware(cfg.ProviderKey))
	{
		provider.POST("/debit", cfg.Provider.Debit)
		provider.POST("/credit", cfg.Provider.Credit)
		provider.POST("/rollback", cfg.Provider.Rollback)
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.Auth))
	if cfg.RateLimiter != nil {
		protected.Use(middleware.RateLimitMiddleware(cfg.RateLimiter, cfg.RateLimits, cfg.Logger))
	}
	{
		protected.GET("/ws", cfg.WS.HandleWebSocket)

		protected.GET("/wallet", cfg.Wallet.GetWallet)
		protected.GET("/wallet/entries", cfg.Wallet.GetEntries)

		protected.GET("/seeds/:mode", cfg.Game.GetSeed)
		protected.POST("/seeds/:mode/rotate", cfg.Game.RotateSeed)

		rounds := protected.Group("/rounds")
		{
			rounds.POST("", cfg.Game.StartRound)
			rounds.GET("/active", cfg.Game.ActiveRounds)
			rounds.GET("/:id", cfg.Game.GetRound)
			rounds.POST("/:id/advance", cfg.Game.Advance)
			rounds.POST("/:id/settle", cfg.Game.Settle)
		}

		protected.POST("/play", cfg.Game.Play)
		protected.GET("/history", cfg.Game.History)

		crash := protected.Group("/crash")
		{
			crash.GET("", cfg.Game.CrashState)
			crash.POST("/bet", cfg.Game.CrashBet)
			crash.POST("/cashout", cfg.Game.CrashCashout)
		}
	}

	return router
}
