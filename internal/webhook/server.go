package webhook

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// maxWebhookBodyBytes bounds what we read from the gateway before parsing.
const maxWebhookBodyBytes = 256 * 1024

// Config holds the HTTP surface settings.
type Config struct {
	Port               string
	CompanyID          string
	DefaultCountryCode string
	// AllowedSources restricts webhook and admin callers by origin IP.
	// Entries are plain IPs or CIDR blocks. Empty means no restriction.
	AllowedSources []string
}

// InboundHandler processes one normalized gateway event.
type InboundHandler interface {
	HandleInbound(ctx context.Context, event *model.InboundEvent) error
}

// Server is the gin HTTP surface: the gateway webhook accept-path plus the
// operator admin API. Heavy work never happens here; the webhook handler
// delegates to the engine and the admin handlers are thin store calls.
type Server struct {
	cfg        Config
	engine     InboundHandler
	store      storage.Store
	httpServer *http.Server
	logger     *zap.Logger

	allowedIPs  map[string]struct{}
	allowedNets []*net.IPNet
}

func NewServer(cfg Config, eng InboundHandler, store storage.Store, baseLogger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     eng,
		store:      store,
		logger:     baseLogger.Named("webhook"),
		allowedIPs: make(map[string]struct{}),
	}
	for _, src := range cfg.AllowedSources {
		if _, ipNet, err := net.ParseCIDR(src); err == nil {
			s.allowedNets = append(s.allowedNets, ipNet)
			continue
		}
		if ip := net.ParseIP(src); ip != nil {
			s.allowedIPs[ip.String()] = struct{}{}
			continue
		}
		s.logger.Warn("Ignoring unparseable allowlist entry", zap.String("source", src))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestContext())
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.POST("/webhook", s.sourceAllowed(), s.handleWebhook)

	admin := router.Group("/admin", s.sourceAllowed())
	{
		admin.GET("/entries", s.listEntries)
		admin.POST("/entries/:id/approve", s.approveEntry)
		admin.POST("/entries/:id/reject", s.rejectEntry)
		admin.POST("/entries/:id/reopen", s.reopenEntry)
		admin.GET("/exhausted-jobs", s.listExhaustedJobs)
		admin.GET("/customers/:id/messages", s.listMessages)
		admin.POST("/contests", s.createContest)
		admin.PUT("/contests/:id/status", s.updateContestStatus)
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting webhook server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webhook server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping webhook server")
	return s.httpServer.Shutdown(ctx)
}

// requestContext tags each request with the tenant and a request ID so
// downstream log lines correlate.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		ctx := tenant.WithCompanyID(c.Request.Context(), s.cfg.CompanyID)
		ctx = tenant.WithRequestID(ctx, requestID)
		ctx = logger.WithLogger(ctx, s.logger.With(zap.String("request_id", requestID)))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// sourceAllowed rejects callers whose origin IP is not on the allowlist.
func (s *Server) sourceAllowed() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.allowedIPs) == 0 && len(s.allowedNets) == 0 {
			c.Next()
			return
		}
		ip := net.ParseIP(c.ClientIP())
		if ip != nil {
			if _, ok := s.allowedIPs[ip.String()]; ok {
				c.Next()
				return
			}
			for _, ipNet := range s.allowedNets {
				if ipNet.Contains(ip) {
					c.Next()
					return
				}
			}
		}
		s.logger.Warn("Rejected request from disallowed source", zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// handleWebhook is the gateway accept-path. A non-2xx response tells the
// gateway to redeliver, which is how failed events get retried.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := transport.NormalizeInbound(raw, s.cfg.DefaultCountryCode, utils.Now())
	if err != nil {
		log.Warn("Rejected malformed webhook payload",
			zap.String("size", utils.ByteCountSI(len(raw))), zap.Error(err))
		observer.IncWebhooksFailed(s.cfg.CompanyID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if err := s.engine.HandleInbound(ctx, event); err != nil {
		// State was rolled back; the gateway redelivery retries the event.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// httpStatus maps store errors onto API status codes.
func httpStatus(err error) int {
	switch {
	case apperrors.IsNotFoundError(err):
		return http.StatusNotFound
	case apperrors.IsInvalidEntryTransitionError(err),
		apperrors.IsConflictError(err),
		apperrors.IsStaleProgressError(err),
		apperrors.IsDuplicateError(err):
		return http.StatusConflict
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
