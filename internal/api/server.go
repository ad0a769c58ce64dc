package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/api/handlers"
	"github.com/getahuntadesse/payment-broker/internal/config"
)

type Server struct {
	e      *echo.Echo
	logger *logrus.Logger
	cfg    *config.Config
}

func NewServer(cfg *config.Config, dispatcher handlers.Dispatcher, summary handlers.SummaryReader, queue handlers.Purger, ledger handlers.LedgerPurger, logger *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `${time_rfc3339} | ${status} | ${latency_human} | ${remote_ip} | ${method} ${uri}` + "\n",
		Output: logger.Writer(),
	}))

	paymentHandler := handlers.NewPaymentHandler(dispatcher, summary, queue, ledger, logger)

	e.POST("/payments", paymentHandler.CreatePayment)
	e.GET("/payments-summary", paymentHandler.GetSummary)
	e.POST("/purge-payments", paymentHandler.PurgePayments)
	e.POST("/rebuild-summary-cache", paymentHandler.RebuildSummaryCache)
	e.GET("/healthz", paymentHandler.HealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{e: e, logger: logger, cfg: cfg}
}

func (s *Server) Start() error {
	addr := ":" + strconv.Itoa(s.cfg.Server.Port)
	s.e.Server.ReadTimeout = s.cfg.Server.ReadTimeout
	s.e.Server.WriteTimeout = s.cfg.Server.WriteTimeout
	s.logger.WithFields(logrus.Fields{
		"port":        s.cfg.Server.Port,
		"environment": s.cfg.App.Environment,
		"name":        s.cfg.App.Name,
	}).Info("starting payment broker API")
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
