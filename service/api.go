package service

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/ledger"
	"github.com/blink402/blink402/pricing"
)

// NewRouter exposes the payment core over HTTP for the route layer. This is
// the internal surface only; the public marketplace API lives in front of it.
func NewRouter(svc *Service, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/runs", func(c *gin.Context) { createRun(c, svc) })
	router.GET("/runs/:reference", func(c *gin.Context) { getRun(c, svc) })
	router.POST("/runs/:reference/payment", func(c *gin.Context) { submitPayment(c, svc) })
	router.POST("/runs/:reference/execute", func(c *gin.Context) { executeRun(c, svc) })
	router.GET("/quote", func(c *gin.Context) { quote(c, svc) })

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

type createRunRequest struct {
	Product   string            `json:"product" binding:"required"`
	ProductID string            `json:"productId"`
	Amount    uint64            `json:"amount" binding:"required"`
	Token     string            `json:"token" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	Onchain   bool              `json:"onchain"`
}

func createRun(c *gin.Context, svc *Service) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := svc.CreateRun(c.Request.Context(), CreateRunParams{
		Product:   blink402.ProductType(req.Product),
		ProductID: req.ProductID,
		Amount:    req.Amount,
		Token:     req.Token,
		Metadata:  req.Metadata,
		Onchain:   req.Onchain,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, runResponse(run))
}

func getRun(c *gin.Context, svc *Service) {
	run, err := svc.GetRun(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponse(run))
}

type submitPaymentRequest struct {
	PaymentHeader string `json:"paymentHeader" binding:"required"`
}

func submitPayment(c *gin.Context, svc *Service) {
	var req submitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := svc.SubmitPayment(c.Request.Context(), c.Param("reference"), req.PaymentHeader)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reference":  result.Reference,
		"signature":  result.Signature,
		"output":     result.Output,
		"durationMs": result.DurationMs,
	})
}

func executeRun(c *gin.Context, svc *Service) {
	result, err := svc.executor.Execute(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reference":  result.Reference,
		"signature":  result.Signature,
		"output":     result.Output,
		"durationMs": result.DurationMs,
	})
}

func quote(c *gin.Context, svc *Service) {
	base, err := decimal.NewFromString(c.Query("base"))
	if err != nil || base.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base must be a non-negative decimal"})
		return
	}
	wallet := c.Query("wallet")
	category := pricing.Category(c.Query("category"))

	q := svc.Quote(c.Request.Context(), wallet, base, category)
	c.JSON(http.StatusOK, gin.H{
		"basePrice":       q.BasePrice.String(),
		"finalPrice":      q.Price.String(),
		"tier":            q.Tier.String(),
		"discountPercent": q.DiscountPercent,
		"failOpen":        q.FailOpen,
	})
}

func runResponse(run *blink402.Run) gin.H {
	return gin.H{
		"reference":  run.Reference.Value,
		"kind":       string(run.Reference.Kind),
		"status":     string(run.Status),
		"payer":      run.Payer,
		"signature":  run.Signature,
		"amount":     run.Amount,
		"token":      run.Token,
		"productId":  run.ProductID,
		"product":    string(run.Product),
		"metadata":   run.Metadata,
		"failReason": run.FailReason,
		"createdAt":  run.CreatedAt,
		"paidAt":     run.PaidAt,
		"executedAt": run.ExecutedAt,
		"expiresAt":  run.ExpiresAt,
	}
}

func writeError(c *gin.Context, err error) {
	var (
		validation   *blink402.ValidationError
		verification *blink402.VerificationError
		settlement   *blink402.SettlementError
		upstream     *blink402.UpstreamError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrDuplicateReference), errors.Is(err, ledger.ErrSignatureConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &verification):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "reason": string(verification.Reason)})
	case errors.As(err, &settlement):
		// Ambiguous fund state; the client must check status, not resubmit.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "checkStatus": true})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
