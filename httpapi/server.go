// Package httpapi exposes the payments API over gin. Handlers are
// transport-only: they parse, call the orchestrator or reconciler and
// translate error kinds to status codes.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/breaker"
)

// Server wires the orchestration core to the HTTP surface
type Server struct {
	orch       *synccash.Orchestrator
	reconciler *synccash.Reconciler
	breakers   *breaker.Manager
	limiter    synccash.RateLimitChecker
	logger     *zap.Logger
}

// New creates the API server
func New(
	orch *synccash.Orchestrator,
	reconciler *synccash.Reconciler,
	breakers *breaker.Manager,
	limiter synccash.RateLimitChecker,
	logger *zap.Logger,
) *Server {
	return &Server{
		orch:       orch,
		reconciler: reconciler,
		breakers:   breakers,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/payments", s.initiatePayment)
	r.GET("/payments/:id", s.getPayment)
	r.GET("/payments/:id/events", s.listEvents)
	r.POST("/payments/:id/cancel", s.cancelPayment)
	r.POST("/payments/:id/refund", s.refundPayment)
	r.POST("/webhooks/:provider", s.handleWebhook)
	r.GET("/health/providers", s.providerHealth)
	return r
}

type errorBody struct {
	Kind    synccash.ErrorKind `json:"kind"`
	Code    string             `json:"code,omitempty"`
	Message string             `json:"message"`
}

// writeError maps a canonical error kind to its HTTP status
func (s *Server) writeError(c *gin.Context, err error) {
	kind := synccash.KindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}

	var serr *synccash.Error
	if errors.As(err, &serr) {
		body.Code = serr.Code
		body.Message = serr.Message
		if serr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(serr.RetryAfter.Seconds())))
		}
	}

	status := http.StatusInternalServerError
	switch kind {
	case synccash.KindValidation:
		status = http.StatusBadRequest
	case synccash.KindNotFound:
		status = http.StatusNotFound
	case synccash.KindIdempotencyConflict, synccash.KindDuplicateInFlight, synccash.KindConcurrentTransition:
		status = http.StatusConflict
	case synccash.KindFraudBlocked, synccash.KindFraudRequiresVerify, synccash.KindNoEligibleProvider:
		status = http.StatusUnprocessableEntity
	case synccash.KindRateLimited:
		status = http.StatusTooManyRequests
	case synccash.KindProviderTransient, synccash.KindProviderPermanent, synccash.KindCircuitOpen:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": body})
}

func (s *Server) initiatePayment(c *gin.Context) {
	var req synccash.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Kind:    synccash.KindValidation,
			Code:    "body",
			Message: "request body is not valid JSON",
		}})
		return
	}
	// The header is optional; without it every submission is a new payment.
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	result, err := s.orch.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getPayment(c *gin.Context) {
	if res := s.limiter.Check(c.ClientIP(), synccash.EndpointPaymentsStatus); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": errorBody{
			Kind:    synccash.KindRateLimited,
			Message: "too many status requests",
		}})
		return
	}

	tx, err := s.orch.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) listEvents(c *gin.Context) {
	if res := s.limiter.Check(c.ClientIP(), synccash.EndpointPaymentsStatus); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": errorBody{
			Kind:    synccash.KindRateLimited,
			Message: "too many status requests",
		}})
		return
	}

	events, err := s.orch.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) cancelPayment(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Kind:    synccash.KindValidation,
			Code:    "user_id",
			Message: "user_id is required",
		}})
		return
	}

	tx, err := s.orch.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type refundRequest struct {
	Amount string `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) refundPayment(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Kind:    synccash.KindValidation,
			Code:    "body",
			Message: "request body is not valid JSON",
		}})
		return
	}

	result, err := s.orch.Refund(c.Request.Context(), synccash.RefundRequestInput{
		TransactionID: c.Param("id"),
		Amount:        req.Amount,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleWebhook acks every authenticated-or-dropped delivery with 200
// so the operator does not redeliver what we have already decided on
func (s *Server) handleWebhook(c *gin.Context) {
	provider := synccash.Provider(c.Param("provider"))

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Kind:    synccash.KindValidation,
			Code:    "body",
			Message: "cannot read webhook body",
		}})
		return
	}

	err = s.reconciler.Process(c.Request.Context(), provider, synccash.WebhookPayload{
		Body:    body,
		Headers: c.Request.Header,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) providerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.breakers.Snapshot()})
}
