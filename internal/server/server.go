package server

import (
	"log"

	"fengshui-report-be/internal/bootstrap"
	"fengshui-report-be/internal/config"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/pkg/payment"
	"fengshui-report-be/pkg/report"
	"fengshui-report-be/pkg/sse"
	"fengshui-report-be/pkg/workflow"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	serverutils.RegisterErrorStatus(entity.ErrInvalidBirthDate, fiber.StatusBadRequest)
	serverutils.RegisterErrorStatus(entity.ErrInvalidGender, fiber.StatusBadRequest)
	serverutils.RegisterErrorStatus(entity.ErrMissingFloorPlan, fiber.StatusBadRequest)
	serverutils.RegisterErrorStatus(entity.ErrInvalidTransition, fiber.StatusConflict)
	serverutils.RegisterErrorStatus(report.ErrInvalidPDF, fiber.StatusBadGateway)
	serverutils.RegisterErrorStatus(report.ErrRendererUnavailable, fiber.StatusServiceUnavailable)
	serverutils.RegisterErrorStatus(payment.ErrNotConfigured, fiber.StatusServiceUnavailable)
	serverutils.RegisterErrorStatus(workflow.ErrNotConfigured, fiber.StatusServiceUnavailable)
	serverutils.RegisterErrorStatus(sse.ErrEmptyAnswer, fiber.StatusBadGateway)
	serverutils.RegisterErrorStatus(payment.ErrGateway, fiber.StatusBadGateway)
}

type Server struct {
	app       *fiber.App
	cfg       *config.Config
	container *bootstrap.Container
}

func New(cfg *config.Config, container *bootstrap.Container) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // 10MB, floor plans are images
	})

	// Middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.App.CorsAllowedOrigins,
		AllowCredentials: true,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, OPTIONS",
		ExposeHeaders:    "Content-Length, Content-Type, Content-Disposition",
	}))

	// OpenTelemetry tracing middleware (traces all HTTP requests)
	app.Use(otelfiber.Middleware(otelfiber.WithNext(func(c *fiber.Ctx) bool {
		return c.Path() == "/metrics"
	})))

	app.Use(serverutils.ErrorHandlerMiddleware())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(container.Registry, promhttp.HandlerOpts{})))

	registerRoutes(app, cfg, container)

	return &Server{
		app:       app,
		cfg:       cfg,
		container: container,
	}
}

func (s *Server) GetApp() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	log.Printf("Server is running on http://localhost:%s", s.cfg.App.Port)
	return s.app.Listen(":" + s.cfg.App.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func registerRoutes(app *fiber.App, cfg *config.Config, c *bootstrap.Container) {
	api := app.Group("/api", serverutils.OptionalJwtMiddleware(cfg.Auth.JWTSecret))

	c.ConsultationController.RegisterRoutes(api)
	c.PaymentController.RegisterRoutes(api)
	c.PdfController.RegisterRoutes(api)
	c.ReportHandler.RegisterRoutes(api)
}
