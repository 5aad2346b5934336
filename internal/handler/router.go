package handler

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/middleware"
	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/service"
	"github.com/noah-isme/lms-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-api/pkg/middleware/requestid"
)

// RouterConfig holds the HTTP settings taken from config.Config.
type RouterConfig struct {
	APIPrefix      string
	AllowedOrigins []string
	TriggerSecret  string
	EnableDocs     bool
}

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Courses     *CourseHandler
	Enrollments *EnrollmentHandler
	Triggers    *TriggerHandler
	Metrics     *MetricsHandler
}

// NewRouter builds the gin engine with the shared middleware chain and all routes.
func NewRouter(cfg RouterConfig, h Handlers, tokens middleware.TokenValidator, metrics *service.MetricsService, logr *zap.Logger) *gin.Engine {
	if logr == nil {
		logr = zap.NewNop()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	probes := []string{"/health", "/ready", "/metrics"}
	r.Use(logger.GinMiddleware(logr, probes...))
	r.Use(corsmiddleware.New(cfg.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, probes...))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)
	if cfg.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleFaculty)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens))

	courses := api.Group("/courses")
	courses.POST("", staff, middleware.Audit(logr, "create", "course"), h.Courses.Create)
	courses.GET("/:id", h.Courses.Get)
	courses.GET("/:id/roster/export", staff, h.Courses.ExportRoster)
	courses.POST("/:id/roster/reconcile", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(logr, "reconcile", "course_roster"), h.Courses.Reconcile)

	enrollments := api.Group("/enrollments")
	enrollments.GET("", h.Enrollments.List)
	enrollments.POST("", middleware.Audit(logr, "create", "enrollment"), h.Enrollments.Create)
	enrollments.DELETE("/:id", staff, middleware.Audit(logr, "delete", "enrollment"), h.Enrollments.Delete)

	triggers := r.Group("/internal/triggers", middleware.TriggerSecret(cfg.TriggerSecret))
	triggers.POST("/enrollments/created", h.Triggers.EnrollmentCreated)
	triggers.POST("/enrollments/deleted", h.Triggers.EnrollmentDeleted)

	return r
}
