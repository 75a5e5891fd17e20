package bootstrap

import (
	"context"
	"log"

	"fengshui-report-be/internal/config"
	"fengshui-report-be/internal/controller"
	"fengshui-report-be/internal/handler"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/pkg/mailer"
	"fengshui-report-be/internal/repository/memory"
	"fengshui-report-be/internal/repository/unitofwork"
	"fengshui-report-be/internal/service"
	"fengshui-report-be/internal/websocket"
	"fengshui-report-be/pkg/events"
	"fengshui-report-be/pkg/httpx"
	"fengshui-report-be/pkg/idempotency"
	"fengshui-report-be/pkg/metrics"
	pktNats "fengshui-report-be/pkg/nats"
	"fengshui-report-be/pkg/payment"
	"fengshui-report-be/pkg/report"
	"fengshui-report-be/pkg/workflow"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	ConsultationController controller.IConsultationController
	PaymentController      controller.IPaymentController
	PdfController          controller.IPdfController

	// Background Services (Exposed for main.go to run)
	ConsumerService service.IConsumerService
	ReportService   service.IReportService

	// WebSockets & Notification
	ReportHandler *handler.ReportHandler
	WebSocketHub  *websocket.Hub

	Registry *prometheus.Registry
	Logger   logger.ILogger

	closers []func()
}

// NewContainer wires every dependency. A nil db keeps consultations in
// memory; a missing redis or NATS degrades to in-process equivalents.
func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	c := &Container{}
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	c.Logger = sysLogger
	for _, w := range cfg.Warnings() {
		sysLogger.Warn("BOOTSTRAP", w, nil)
	}

	// 1. Core Facades
	var uowFactory unitofwork.RepositoryFactory
	if db != nil {
		uowFactory = unitofwork.NewRepositoryFactory(db)
	} else {
		uowFactory = memory.NewStore().Factory()
	}

	// 2. Metrics
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(c.Registry); err != nil {
		log.Printf("[WARN] Failed to register metrics: %v", err)
	}

	// 3. Infrastructure
	rdb := connectRedis(cfg.App.RedisURL, sysLogger)
	if rdb != nil {
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	var eventPublisher events.Publisher
	var eventSubscriber events.Subscriber
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL, sysLogger.Zap())
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
	}
	natsSub, err := pktNats.NewSubscriber(cfg.App.NatsURL, sysLogger.Zap())
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Subscriber: %v", err)
	}
	if natsPub != nil && natsSub != nil {
		eventPublisher, eventSubscriber = natsPub, natsSub
		c.closers = append(c.closers, natsSub.Close, natsPub.Close)
	} else {
		if natsPub != nil {
			natsPub.Close()
		}
		if natsSub != nil {
			natsSub.Close()
		}
		bus := events.NewLocalBus()
		eventPublisher, eventSubscriber = bus, bus
	}

	// Report job queue
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)
	c.closers = append(c.closers, func() { _ = pubSub.Close() })

	// 4. Pipeline
	hc := httpx.NewClient(sysLogger.Zap())

	var cacheStore idempotency.Store = idempotency.NewMemoryStore(cfg.Cache.TTL)
	if rdb != nil {
		cacheStore = idempotency.NewTieredStore(cacheStore, idempotency.NewRedisStore(rdb, "fengshui:consultation:"), sysLogger.Zap())
	}
	cache := idempotency.NewCache(cacheStore, cfg.Cache.TTL, sysLogger.Zap())

	workflowClient := workflow.NewHTTPClient(workflow.Config{
		BaseURL:       cfg.Workflow.BaseURL,
		LayoutAPIKey:  cfg.Workflow.LayoutAPIKey,
		ReportAPIKey:  cfg.Workflow.ReportAPIKey,
		Timeout:       cfg.Workflow.Timeout,
		UploadRetries: cfg.HTTP.Retries,
		Backoff:       cfg.HTTP.Backoff,
	}, hc, sysLogger.Zap())

	renderer := report.NewHTTPRenderer(report.RendererConfig{
		URL:     cfg.Report.RendererURL,
		Retries: cfg.HTTP.Retries,
		Backoff: cfg.HTTP.Backoff,
		Timeout: cfg.Workflow.Timeout,
	}, hc, sysLogger.Zap())
	materializer := report.NewMaterializer(renderer, sysLogger.Zap())

	gateway := payment.NewMidtransGateway(payment.MidtransConfig{
		ServerKey:    cfg.Payment.ServerKey,
		IsProduction: cfg.Payment.IsProduction,
	}, sysLogger.Zap())

	// 5. Services
	consultationService := service.NewConsultationService(uowFactory, workflowClient, cache, materializer, sysLogger, cfg.Workflow.DefaultUser)
	paymentService := service.NewPaymentService(uowFactory, gateway, eventPublisher, sysLogger, service.PaymentOptions{
		Price:         cfg.Payment.ReportPrice,
		WebhookSecret: cfg.Payment.WebhookSecret,
		FinishURL:     cfg.App.ClientURL + "/payment/finish",
	})

	publisherService := service.NewPublisherService(cfg.Report.JobTopic, pubSub)
	c.ReportService = service.NewReportService(uowFactory, consultationService, publisherService, sysLogger, cfg.Report.JobTimeout)

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger("logs/notification.log")
	c.WebSocketHub = websocket.NewHub(rdb, wsLogger)

	jobLogger := logger.NewIsolatedLogger(cfg.Report.JobLogPath)
	c.ConsumerService = service.NewConsumerService(
		pubSub,
		cfg.Report.JobTopic,
		uowFactory,
		consultationService,
		c.WebSocketHub,
		eventPublisher,
		jobLogger,
		cfg.Report.JobTimeout,
		cfg.Report.Workers,
	)

	var emailService mailer.IEmailService
	if cfg.SMTP.Enabled() {
		emailService = mailer.NewEmailService(
			cfg.SMTP.Host,
			cfg.SMTP.Port,
			cfg.SMTP.Email,
			cfg.SMTP.Password,
			cfg.SMTP.SenderName,
			cfg.App.ClientURL,
		)
	}
	c.ReportHandler = handler.NewReportHandler(c.ReportService, c.WebSocketHub, emailService, sysLogger, cfg.Auth.JWTSecret, cfg.Workflow.DefaultUser)
	if err := c.ReportHandler.Subscribe(eventSubscriber); err != nil {
		log.Printf("[WARN] Failed to subscribe report mailer: %v", err)
	}

	// 6. Controllers
	c.ConsultationController = controller.NewConsultationController(consultationService, c.ReportService)
	c.PaymentController = controller.NewPaymentController(paymentService)
	c.PdfController = controller.NewPdfController(consultationService)

	return c
}

// Close releases broker and cache connections.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	_ = c.Logger.Sync()
}

func connectRedis(url string, log logger.ILogger) *redis.Client {
	if url == "" {
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("BOOTSTRAP", "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warn("BOOTSTRAP", "Redis unavailable, running without it", map[string]interface{}{"error": err.Error()})
		_ = rdb.Close()
		return nil
	}
	return rdb
}
