// Package server provides HTTP handlers and server setup for the credit
// metering service.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
	"creditmeter/internal/credit"
	"creditmeter/internal/pricing"
	"creditmeter/internal/report"
)

// Handler holds the HTTP handlers
type Handler struct {
	credits     *credit.Service
	reports     report.Reader
	storageType string
}

// NewHandler creates a new handler over the credit service and usage reader.
func NewHandler(credits *credit.Service, reports report.Reader, storageType string) *Handler {
	return &Handler{
		credits:     credits,
		reports:     reports,
		storageType: storageType,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"storage": h.storageType,
	})
}

type checkRequest struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

// CheckCredits handles POST /v1/credits/check. The answer is advisory; only
// the deduction itself is authoritative.
func (h *Handler) CheckCredits(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	subject := core.SubjectRef{OrgID: req.OrgID, UserID: req.UserID}
	sufficient, remaining, err := h.credits.HasSufficientCredits(c.Request().Context(), subject, amount)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sufficient": sufficient,
		"remaining":  remaining,
	})
}

type deductRequest struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`

	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Units      int64  `json:"units"`
	PowerLevel string `json:"power_level"`
	Tier       string `json:"tier"`
	BYOK       bool   `json:"byok"`

	ServiceName string         `json:"service_name"`
	RequestID   string         `json:"request_id"`
	Metadata    map[string]any `json:"metadata"`
}

// DeductCredits handles POST /v1/credits/deduct
func (h *Handler) DeductCredits(c echo.Context) error {
	var req deductRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.RequestID == "" {
		return badRequest(c, "request_id is required")
	}

	result, err := h.credits.Charge(c.Request().Context(), credit.ChargeParams{
		Subject: core.SubjectRef{OrgID: req.OrgID, UserID: req.UserID},
		Usage: pricing.CostRequest{
			Provider:   req.Provider,
			Model:      req.Model,
			Units:      req.Units,
			PowerLevel: req.PowerLevel,
			Tier:       req.Tier,
			BYOK:       req.BYOK,
		},
		ServiceName: req.ServiceName,
		RequestID:   req.RequestID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	OrgID             string         `json:"org_id"`
	UserID            string         `json:"user_id"`
	Amount            string         `json:"amount"`
	ServiceName       string         `json:"service_name"`
	RequestID         string         `json:"request_id"`
	OriginalRequestID string         `json:"original_request_id"`
	Metadata          map[string]any `json:"metadata"`
}

// RefundCredits handles POST /v1/credits/refund
func (h *Handler) RefundCredits(c echo.Context) error {
	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	result, err := h.credits.Refund(c.Request().Context(), credit.RefundParams{
		Subject:           core.SubjectRef{OrgID: req.OrgID, UserID: req.UserID},
		Amount:            amount,
		ServiceName:       req.ServiceName,
		RequestID:         req.RequestID,
		OriginalRequestID: req.OriginalRequestID,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CreatePool handles POST /v1/orgs/:org/pool
func (h *Handler) CreatePool(c echo.Context) error {
	pool, err := h.credits.CreatePool(c.Request().Context(), c.Param("org"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, pool)
}

// DeactivatePool handles DELETE /v1/orgs/:org/pool
func (h *Handler) DeactivatePool(c echo.Context) error {
	if err := h.credits.DeactivatePool(c.Request().Context(), c.Param("org")); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type topUpRequest struct {
	Amount    string `json:"amount"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
}

func (r topUpRequest) params() (credit.TopUpParams, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return credit.TopUpParams{}, err
	}
	txType := core.TransactionType(r.Type)
	if r.Type == "" {
		txType = core.TransactionPurchase
	}
	return credit.TopUpParams{
		Amount:    amount,
		Type:      txType,
		Source:    r.Source,
		RequestID: r.RequestID,
	}, nil
}

// TopUpPool handles POST /v1/orgs/:org/pool/topup
func (h *Handler) TopUpPool(c echo.Context) error {
	var req topUpRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	params, err := req.params()
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	pool, err := h.credits.TopUpPool(c.Request().Context(), c.Param("org"), params)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, pool)
}

type allocationRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id"`
}

// Allocate handles POST /v1/orgs/:org/allocations
func (h *Handler) Allocate(c echo.Context) error {
	var req allocationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	alloc, err := h.credits.Allocate(c.Request().Context(), c.Param("org"), req.UserID, amount, req.RequestID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, alloc)
}

// ReduceAllocation handles POST /v1/orgs/:org/allocations/reduce
func (h *Handler) ReduceAllocation(c echo.Context) error {
	var req allocationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	alloc, err := h.credits.ReduceAllocation(c.Request().Context(), c.Param("org"), req.UserID, amount, req.RequestID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, alloc)
}

// TopUpIndividual handles POST /v1/users/:user/topup
func (h *Handler) TopUpIndividual(c echo.Context) error {
	var req topUpRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	params, err := req.params()
	if err != nil {
		return badRequest(c, "invalid amount: "+req.Amount)
	}

	balance, err := h.credits.TopUpIndividual(c.Request().Context(), c.Param("user"), params)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, balance)
}

type limitsRequest struct {
	Tier            *string `json:"tier"`
	MonthlyCap      *string `json:"monthly_cap"`
	ClearMonthlyCap bool    `json:"clear_monthly_cap"`
}

// SetLimits handles PUT /v1/users/:user/limits
func (h *Handler) SetLimits(c echo.Context) error {
	var req limitsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	params := credit.LimitParams{
		Tier:            req.Tier,
		ClearMonthlyCap: req.ClearMonthlyCap,
	}
	if req.MonthlyCap != nil {
		cap, err := decimal.NewFromString(*req.MonthlyCap)
		if err != nil {
			return badRequest(c, "invalid monthly_cap: "+*req.MonthlyCap)
		}
		params.MonthlyCap = &cap
	}

	balance, err := h.credits.SetIndividualLimits(c.Request().Context(), c.Param("user"), params)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, balance)
}

// Balance handles GET /v1/balance?org_id=&user_id=
func (h *Handler) Balance(c echo.Context) error {
	subject := core.SubjectRef{
		OrgID:  c.QueryParam("org_id"),
		UserID: c.QueryParam("user_id"),
	}
	info, err := h.credits.Balance(c.Request().Context(), subject)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Usage handles GET /v1/usage?org_id=&user_id=&from=&to=&group_by=
func (h *Handler) Usage(c echo.Context) error {
	q := report.Query{
		Subject: core.SubjectRef{
			OrgID:  c.QueryParam("org_id"),
			UserID: c.QueryParam("user_id"),
		},
		GroupBy: c.QueryParam("group_by"),
	}
	var err error
	if q.From, err = parseTimeParam(c.QueryParam("from")); err != nil {
		return badRequest(c, "invalid from timestamp, want RFC 3339")
	}
	if q.To, err = parseTimeParam(c.QueryParam("to")); err != nil {
		return badRequest(c, "invalid to timestamp, want RFC 3339")
	}
	if err := q.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	summary, err := h.reports.Usage(c.Request().Context(), q)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// VerifyLedger handles GET /v1/ledger/verify?org_id=&user_id=
func (h *Handler) VerifyLedger(c echo.Context) error {
	subject := core.SubjectRef{
		OrgID:  c.QueryParam("org_id"),
		UserID: c.QueryParam("user_id"),
	}
	stored, replayed, match, err := h.credits.VerifyLedger(c.Request().Context(), subject)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"subject":  subject,
		"stored":   stored,
		"replayed": replayed,
		"match":    match,
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":    "bad_request",
			"message": message,
		},
	})
}

// handleError maps credit errors to their HTTP status; anything else is an
// opaque 500.
func handleError(c echo.Context, err error) error {
	var creditErr *core.CreditError
	if errors.As(err, &creditErr) {
		return c.JSON(creditErr.HTTPStatusCode(), creditErr.ToJSON())
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    "internal_error",
			"message": "internal server error",
		},
	})
}
