package handler

import (
	"net/http"

	"walletledger/internal/config"
	"walletledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Config   *config.Config
	Payments *service.PaymentService
	Wallets  *service.WalletService
	Engine   *service.ReconcileService
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
	// Ready reports whether storage is reachable, nil means always ready.
	Ready func() error
}

func SetupRouter(d Deps) *gin.Engine {
	mode := gin.ReleaseMode
	if d.Config.Server.Mode != "" {
		mode = d.Config.Server.Mode
	}
	gin.SetMode(mode)

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(d.Logger))
	r.Use(LoggerMiddleware(d.Logger))
	r.Use(CORSMiddleware())

	h := NewHandler(d.Payments, d.Wallets, d.Logger)
	wh := NewWebhookHandler(d.Engine, d.Config.Webhook, d.Logger)

	api := r.Group("/api/v1")
	{
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/open", h.OpenWallet)
			wallet.POST("/virtual-account", h.AssignVirtualAccount)
			wallet.POST("/debit", h.Debit)
			wallet.POST("/credit", h.Credit)
			wallet.POST("/fund", h.Fund)
		}

		transfer := api.Group("/transfer")
		{
			transfer.POST("/in-app", h.TransferInApp)
		}

		api.GET("/transactions", h.ListTransactions)
	}

	hooks := r.Group("/webhooks")
	{
		hooks.POST("/paystack", wh.Paystack)
		hooks.POST("/vtpass", wh.VTpass)
		hooks.POST("/events", wh.Events)
	}

	r.GET("/health", func(c *gin.Context) {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
