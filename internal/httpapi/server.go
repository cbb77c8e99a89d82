// Package httpapi exposes the session payment operations over HTTP for the club UI.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/config"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/payments"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/settlement"
)

const claimsContextKey = "auth_claims"

var ErrInvalidServerConfig = errors.New("invalid http server config")

// PaymentEditor applies director edits.
type PaymentEditor interface {
	ChangePaymentMethod(ctx context.Context, actor int64, entryID int64, methodID int64) (session.Entry, error)
	ChangePaidStatus(ctx context.Context, actor int64, entryID int64, paid bool) (session.Entry, error)
	ProcessOffSystemPayments(ctx context.Context, actor int64, sessionID int64) (payments.OffSystemResult, error)
	RecalculateStatus(ctx context.Context, actor int64, sessionID int64) (session.Status, error)
}

// Settler runs bulk Bridge Credits settlement.
type Settler interface {
	SettleBridgeCredits(ctx context.Context, actor int64, sessionID int64) (settlement.Result, error)
}

// Diagnoser writes a reconciliation breakdown of one session.
type Diagnoser interface {
	Diagnose(ctx context.Context, writer io.Writer, sessionID int64) error
}

// SessionReader loads sessions for authorization checks.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID int64) (session.Session, error)
}

// BalanceReader reads ledger balances.
type BalanceReader interface {
	CurrentBalance(ctx context.Context, account ledger.AccountRef) (decimal.Decimal, error)
}

// Dependencies are the domain services behind the routes.
type Dependencies struct {
	Payments   PaymentEditor
	Settlement Settler
	Diagnoser  Diagnoser
	Sessions   SessionReader
	Balances   BalanceReader
	Authorizer access.Authorizer
}

func (dependencies Dependencies) validate() error {
	if dependencies.Payments == nil || dependencies.Settlement == nil || dependencies.Diagnoser == nil ||
		dependencies.Sessions == nil || dependencies.Balances == nil || dependencies.Authorizer == nil {
		return fmt.Errorf("%w: every dependency is required", ErrInvalidServerConfig)
	}
	return nil
}

// Server is the HTTP facade.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	handler *httpHandler
	router  *gin.Engine
}

// NewServer wires routes, CORS and session cookie validation.
func NewServer(cfg config.Config, logger *zap.Logger, dependencies Dependencies) (*Server, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{logger: logger, dependencies: dependencies}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		router:  setupRouter(cfg, handler, sessionValidator),
	}, nil
}

// Handler returns the routed handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg config.Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/balance", handler.handleBalance)
	api.POST("/entries/:id/payment-method", handler.handleChangePaymentMethod)
	api.POST("/entries/:id/paid", handler.handleChangePaidStatus)
	api.POST("/sessions/:id/settle", handler.handleSettle)
	api.POST("/sessions/:id/off-system", handler.handleOffSystem)
	api.POST("/sessions/:id/recalculate", handler.handleRecalculate)
	api.GET("/sessions/:id/diagnose", handler.handleDiagnose)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	dependencies Dependencies
}

type changePaymentMethodRequest struct {
	MethodID int64 `json:"method_id" binding:"required"`
}

type changePaidStatusRequest struct {
	Paid *bool `json:"paid" binding:"required"`
}

func (handler *httpHandler) handleChangePaymentMethod(ctx *gin.Context) {
	actor, entryID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	var request changePaymentMethodRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with method_id"))
		return
	}
	entry, err := handler.dependencies.Payments.ChangePaymentMethod(ctx.Request.Context(), actor, entryID, request.MethodID)
	if err != nil {
		handler.respondError(ctx, "change payment method", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryResponse(entry)})
}

func (handler *httpHandler) handleChangePaidStatus(ctx *gin.Context) {
	actor, entryID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	var request changePaidStatusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with paid"))
		return
	}
	entry, err := handler.dependencies.Payments.ChangePaidStatus(ctx.Request.Context(), actor, entryID, *request.Paid)
	if err != nil {
		handler.respondError(ctx, "change paid status", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryResponse(entry)})
}

func (handler *httpHandler) handleSettle(ctx *gin.Context) {
	actor, sessionID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	result, err := handler.dependencies.Settlement.SettleBridgeCredits(ctx.Request.Context(), actor, sessionID)
	if err != nil {
		handler.respondError(ctx, "settle bridge credits", err)
		return
	}
	ctx.JSON(http.StatusOK, newSettlementResponse(result))
}

func (handler *httpHandler) handleOffSystem(ctx *gin.Context) {
	actor, sessionID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	result, err := handler.dependencies.Payments.ProcessOffSystemPayments(ctx.Request.Context(), actor, sessionID)
	if err != nil {
		handler.respondError(ctx, "process off-system payments", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries_marked":       result.EntriesMarked,
		"misc_payments_marked": result.MiscPaymentsMarked,
		"status":               result.Status.String(),
	})
}

func (handler *httpHandler) handleRecalculate(ctx *gin.Context) {
	actor, sessionID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	status, err := handler.dependencies.Payments.RecalculateStatus(ctx.Request.Context(), actor, sessionID)
	if err != nil {
		handler.respondError(ctx, "recalculate status", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": status.String()})
}

func (handler *httpHandler) handleDiagnose(ctx *gin.Context) {
	actor, sessionID, ok := handler.actorAndID(ctx)
	if !ok {
		return
	}
	requestContext := ctx.Request.Context()
	current, err := handler.dependencies.Sessions.GetSession(requestContext, sessionID)
	if err != nil {
		handler.respondError(ctx, "diagnose", err)
		return
	}
	if err := access.Require(requestContext, handler.dependencies.Authorizer, actor, access.CapabilitySettle, current.OrgID); err != nil {
		handler.respondError(ctx, "diagnose", err)
		return
	}
	var buffer bytes.Buffer
	if err := handler.dependencies.Diagnoser.Diagnose(requestContext, &buffer, sessionID); err != nil {
		handler.respondError(ctx, "diagnose", err)
		return
	}
	ctx.Data(http.StatusOK, "text/plain; charset=utf-8", buffer.Bytes())
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	balance, err := handler.dependencies.Balances.CurrentBalance(ctx.Request.Context(), ledger.MemberAccount(actor))
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"system_number": actor, "balance": balance.StringFixed(2)})
}

// actor resolves the caller's system number from the session claims.
func (handler *httpHandler) actor(ctx *gin.Context) (int64, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return 0, false
	}
	actor, err := strconv.ParseInt(claims.GetUserID(), 10, 64)
	if err != nil || actor <= 0 {
		ctx.JSON(http.StatusForbidden, errorResponse("invalid_actor", "session user is not a system number"))
		return 0, false
	}
	return actor, true
}

func (handler *httpHandler) actorAndID(ctx *gin.Context) (int64, int64, bool) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_id", "path id must be a positive integer"))
		return 0, 0, false
	}
	return actor, id, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
		message = operation + " failed"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrNotAuthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrEntryNotFound), errors.Is(err, session.ErrPaymentMethodNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lock.ErrLockContention):
		return http.StatusConflict, "locked"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, fees.ErrMissingFeeSchedule):
		return http.StatusUnprocessableEntity, "missing_fee_schedule"
	case errors.Is(err, payments.ErrIneligibleParticipant):
		return http.StatusUnprocessableEntity, "ineligible_participant"
	case errors.Is(err, payments.ErrSettlementRequired):
		return http.StatusUnprocessableEntity, "settlement_required"
	case errors.Is(err, settlement.ErrNoFallbackMethod):
		return http.StatusUnprocessableEntity, "no_fallback_method"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
