package main

import (
	"context"
	"net/http"

	"chama-platform/internal/httpapi"
	"chama-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, healthCheck func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := healthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider settlement webhook (public; authenticated by HMAC signature
	// per config, acknowledged 200 for duplicates).
	r.POST("/webhooks/payments", h.PaymentsWebhook)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", h.Login)
		}

		// WALLET routes
		wallets := v1.Group("/wallets")
		wallets.Use(rbac.RequireChama())
		{
			wallets.POST("", h.CreateWallet)
			wallets.GET("/me", h.GetMyWallet)
		}

		// TRANSFER routes
		transfers := v1.Group("/transfers")
		transfers.Use(rbac.RequireChama())
		{
			transfers.POST("/topup", h.TopUp)
			transfers.POST("/withdraw", h.Withdraw)
			transfers.POST("/send", h.Send)
		}

		// Inbound charge registration (top-ups and chama purchases).
		charges := v1.Group("/charges")
		charges.Use(rbac.RequireChama())
		{
			charges.POST("", h.CreateCharge)
		}

		v1.GET("/fees/preview", h.FeePreview)

		// MEMBER administration: withdrawal lock gate.
		members := v1.Group("/members")
		members.Use(rbac.RequireChama())
		members.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleChairman))
		{
			members.POST("/:member_id/lock", h.LockMember)
			members.POST("/:member_id/unlock", h.UnlockMember)
		}

		// LEDGER audit trail for chama officials.
		ledgerGroup := v1.Group("/ledger")
		ledgerGroup.Use(rbac.RequireChama())
		ledgerGroup.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleChairman, rbac.RoleTreasurer))
		{
			ledgerGroup.GET("", h.LedgerHistory)
		}
	}
}
