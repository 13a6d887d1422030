package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/auth"
	"github.com/MarcoPoloResearchLab/questrewards/internal/quests"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	callerContextKey   = "questrewards_caller"
	accessTokenQuery   = "access_token"
	retryAfterSeconds  = "1"
	questIDPathParam   = "quest_id"
	addressQueryParam  = "address"
	bearerPrefix       = "Bearer "
	errorInvalidInput  = "invalid_request"
	errorInvalidAddr   = "invalid_address"
	errorUnauthorized  = "unauthorized"
	errorForbidden     = "forbidden"
	errorInternalError = "internal_error"
)

var (
	errMissingQuestService  = errors.New("quest service dependency required")
	errMissingAuthenticator = errors.New("caller authenticator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// QuestService is the ledger surface the HTTP layer drives.
type QuestService interface {
	UpsertCompletion(ctx context.Context, address stark.Address, taskID quests.TaskID) (quests.CompletionOutcome, error)
	QuestProgress(ctx context.Context, address stark.Address, questID quests.QuestID) (quests.QuestProgress, error)
	Claim(ctx context.Context, address stark.Address, questID quests.QuestID) ([]quests.RewardVoucher, error)
}

// CallerAuthenticator validates collaborator bearer tokens.
type CallerAuthenticator interface {
	ValidateToken(token string) (auth.CallerClaims, error)
}

type Dependencies struct {
	QuestService   QuestService
	Authenticator  CallerAuthenticator
	Events         *EventDispatcher
	MetricsHandler http.Handler
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.QuestService == nil {
		return nil, errMissingQuestService
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTick
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		quests:        deps.QuestService,
		authenticator: deps.Authenticator,
		events:        deps.Events,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.POST("/completions", handler.authorizeScope(auth.ScopeCompletionsWrite), handler.handleUpsertCompletion)
	router.GET("/quests/:quest_id/completion", handler.authorizeScope(auth.ScopeRewardsRead), handler.handleQuestCompletion)
	router.POST("/quests/:quest_id/claim", handler.authorizeScope(auth.ScopeRewardsRead), handler.handleClaim)
	if deps.Events != nil {
		router.GET("/events", handler.authorizeScope(auth.ScopeRewardsRead), handler.handleEventStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	quests        QuestService
	authenticator CallerAuthenticator
	events        *EventDispatcher
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type completionRequestPayload struct {
	Address string `json:"address"`
	TaskID  uint64 `json:"task_id"`
}

type completionResponsePayload struct {
	Status            string `json:"status"`
	QuestID           uint64 `json:"quest_id"`
	QuestCompleted    bool   `json:"quest_completed"`
	ExperienceAwarded bool   `json:"experience_awarded"`
}

func (h *httpHandler) handleUpsertCompletion(c *gin.Context) {
	var request completionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}
	address, err := stark.NewAddress(request.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidAddr})
		return
	}
	taskID, err := quests.NewTaskID(request.TaskID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}

	outcome, err := h.quests.UpsertCompletion(c.Request.Context(), address, taskID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, completionResponsePayload{
		Status:            string(outcome.Status()),
		QuestID:           outcome.QuestID().Uint64(),
		QuestCompleted:    outcome.QuestCompleted(),
		ExperienceAwarded: outcome.Award() == quests.AwardAwarded,
	})
}

type questCompletionResponsePayload struct {
	QuestID        uint64 `json:"quest_id"`
	Address        string `json:"address"`
	Completed      bool   `json:"completed"`
	CompletedTasks int64  `json:"completed_tasks"`
	TotalTasks     int64  `json:"total_tasks"`
}

func (h *httpHandler) handleQuestCompletion(c *gin.Context) {
	questID, ok := parseQuestID(c)
	if !ok {
		return
	}
	address, err := stark.NewAddress(c.Query(addressQueryParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidAddr})
		return
	}

	progress, err := h.quests.QuestProgress(c.Request.Context(), address, questID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, questCompletionResponsePayload{
		QuestID:        questID.Uint64(),
		Address:        address.String(),
		Completed:      progress.Complete,
		CompletedTasks: progress.Completed,
		TotalTasks:     progress.Total,
	})
}

type claimRequestPayload struct {
	Address string `json:"address"`
}

type claimResponsePayload struct {
	Vouchers []voucherPayload `json:"vouchers"`
}

type voucherPayload struct {
	TaskID      uint64    `json:"task_id"`
	NFTContract string    `json:"nft_contract"`
	TokenID     uint64    `json:"token_id"`
	Signature   [2]string `json:"sig"`
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	questID, ok := parseQuestID(c)
	if !ok {
		return
	}
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}
	address, err := stark.NewAddress(request.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidAddr})
		return
	}

	vouchers, err := h.quests.Claim(c.Request.Context(), address, questID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := claimResponsePayload{Vouchers: make([]voucherPayload, 0, len(vouchers))}
	for _, voucher := range vouchers {
		response.Vouchers = append(response.Vouchers, voucherPayload{
			TaskID:      voucher.TaskID,
			NFTContract: voucher.NFTContract,
			TokenID:     voucher.TokenID,
			Signature:   voucher.Signature.Hex(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func parseQuestID(c *gin.Context) (quests.QuestID, bool) {
	raw, err := strconv.ParseUint(c.Param(questIDPathParam), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return 0, false
	}
	questID, err := quests.NewQuestID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return 0, false
	}
	return questID, true
}

// respondServiceError maps ledger errors onto HTTP statuses. Signing failures are logged
// separately from user rejections because they point at a broken commitment, not a caller.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status, message := classifyServiceError(err)
	body := gin.H{"error": message}
	var serviceErr *quests.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}

	switch {
	case errors.Is(err, quests.ErrSignatureFailed):
		h.logger.Error("voucher signing failed", zap.Error(err), zap.String("path", c.FullPath()))
	case status == http.StatusServiceUnavailable:
		c.Header("Retry-After", retryAfterSeconds)
		h.logger.Warn("storage unavailable", zap.Error(err), zap.String("path", c.FullPath()))
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	default:
		h.logger.Debug("request rejected", zap.Error(err), zap.String("path", c.FullPath()))
	}

	c.JSON(status, body)
}

func classifyServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, stark.ErrInvalidAddress):
		return http.StatusBadRequest, errorInvalidAddr
	case errors.Is(err, quests.ErrInvalidTaskID), errors.Is(err, quests.ErrInvalidQuestID):
		return http.StatusBadRequest, errorInvalidInput
	case errors.Is(err, quests.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, quests.ErrQuestNotFound):
		return http.StatusNotFound, "quest_not_found"
	case errors.Is(err, quests.ErrQuestIncomplete):
		return http.StatusConflict, "quest_incomplete"
	case errors.Is(err, quests.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "try_again_later"
	case errors.Is(err, quests.ErrSignatureFailed):
		return http.StatusInternalServerError, "signature_failed"
	default:
		return http.StatusInternalServerError, errorInternalError
	}
}

func (h *httpHandler) authorizeScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		claims, err := h.authenticator.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredCallerToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
		if !claims.HasScope(scope) {
			h.logger.Warn("caller lacks scope",
				zap.String("caller", claims.Subject),
				zap.String("scope", scope))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorForbidden})
			return
		}
		c.Set(callerContextKey, claims.Subject)
		c.Next()
	}
}

// bearerToken reads the Authorization header. Event streams may pass access_token in the
// query because browser EventSource cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		return token, token != ""
	}
	if header == "" && c.Request.Method == http.MethodGet {
		token := strings.TrimSpace(c.Query(accessTokenQuery))
		return token, token != ""
	}
	return "", false
}
