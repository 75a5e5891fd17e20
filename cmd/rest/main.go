package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fengshui-report-be/internal/bootstrap"
	"fengshui-report-be/internal/config"
	"fengshui-report-be/internal/server"
	"fengshui-report-be/internal/tracer"
	"fengshui-report-be/pkg/database"

	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Tracer
	shutdownTracer := tracer.InitTracer(cfg.Tracing)
	defer shutdownTracer(context.Background())

	// 3. Initialize Database
	var gormDB *gorm.DB
	db, err := database.NewGormDB(database.Config{
		DSN:             cfg.Database.Connection,
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		Verbose:         cfg.App.Environment != "production",
	})
	switch {
	case errors.Is(err, database.ErrNoDSN):
		log.Println("[WARN] No database configured, consultations are kept in memory")
	case err != nil:
		log.Panicf("Unable to connect to GORM DB: %v", err)
	default:
		gormDB = db
	}

	// 4. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(gormDB, cfg)
	defer container.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Start Background Services
	go container.WebSocketHub.Run(ctx)

	if n, err := container.ReportService.RecoverStale(ctx); err != nil {
		log.Printf("[WARN] Stale report recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d interrupted report jobs", n)
	}

	if err := container.ConsumerService.Consume(ctx); err != nil {
		log.Printf("Background Consumer Error: %v", err)
	}

	// 6. Run Server
	srv := server.New(cfg, container)
	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := srv.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
	container.ConsumerService.Wait()
}
