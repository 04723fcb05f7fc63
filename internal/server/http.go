package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey string // Optional: master key for authentication
	BodyLimit string // Max request body size in echo syntax (default: 1M)
}

// New creates a new HTTP server around the handler.
func New(handler *Handler, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Health and metrics stay reachable without credentials.
	authSkipPaths := []string{"/health", "/metrics"}

	// Global middleware stack (order matters)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	bodyLimit := "1M"
	if cfg != nil && cfg.BodyLimit != "" {
		bodyLimit = cfg.BodyLimit
	}
	e.Use(middleware.BodyLimit(bodyLimit))

	if cfg != nil && cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Deduction path
	e.POST("/v1/credits/check", handler.CheckCredits)
	e.POST("/v1/credits/deduct", handler.DeductCredits)
	e.POST("/v1/credits/refund", handler.RefundCredits)

	// Organization pools and allocations
	e.POST("/v1/orgs/:org/pool", handler.CreatePool)
	e.DELETE("/v1/orgs/:org/pool", handler.DeactivatePool)
	e.POST("/v1/orgs/:org/pool/topup", handler.TopUpPool)
	e.POST("/v1/orgs/:org/allocations", handler.Allocate)
	e.POST("/v1/orgs/:org/allocations/reduce", handler.ReduceAllocation)

	// Individual balances
	e.POST("/v1/users/:user/topup", handler.TopUpIndividual)
	e.PUT("/v1/users/:user/limits", handler.SetLimits)

	// Read side
	e.GET("/v1/balance", handler.Balance)
	e.GET("/v1/usage", handler.Usage)
	e.GET("/v1/ledger/verify", handler.VerifyLedger)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
