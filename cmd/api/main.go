package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "backend/api/swagger" // swagger docs
	"backend/internal/database"
	"backend/internal/handler"
	"backend/internal/identity"
	"backend/internal/middleware"
	"backend/internal/registry"
	"backend/internal/repository"
	"backend/internal/service"
	"backend/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title           Dual-Control Approval API
// @version         1.0
// @description     Two-person-integrity approval engine: one operator proposes a high-risk action, a different eligible operator must confirm it.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	// Action registry — the static table of protected actions
	reg := registry.Default()
	if path := os.Getenv("ACTIONS_CONFIG"); path != "" {
		loaded, err := registry.LoadFile(path)
		if err != nil {
			log.Fatalf("Failed to load actions config: %v", err)
		}
		reg = loaded
	}
	log.Printf("Action registry loaded with %d protected action(s)", reg.Len())

	// Operator directory — the identity source at the boundary
	operators := identity.Default()
	if path := os.Getenv("OPERATORS_CONFIG"); path != "" {
		loaded, err := identity.LoadFile(path)
		if err != nil {
			log.Fatalf("Failed to load operators config: %v", err)
		}
		operators = loaded
	}

	// Store — postgres for deployments, memory for single-node dev
	var approvalStore repository.ApprovalStore
	var auditRepo repository.AuditRepository
	if os.Getenv("STORE_DRIVER") == "memory" {
		approvalStore = repository.NewMemoryStore()
		auditRepo = repository.NewMemoryAuditRepository()
		log.Println("Using in-memory approval store")
	} else {
		db, err := database.NewConnection(buildDSN())
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		log.Println("Connected to PostgreSQL successfully.")
		approvalStore = repository.NewApprovalRepository(db)
		auditRepo = repository.NewAuditRepository(db)
	}

	// Set up WebSocket Hub
	wsHub := websocket.NewHub()
	go wsHub.Run()

	// Set up dependencies (Repository -> Service -> Handler)
	auditService := service.NewAuditService(auditRepo)
	approvalService := service.NewApprovalService(approvalStore, auditService, reg,
		service.WithTTL(envDuration("APPROVAL_TTL_HOURS", 24, time.Hour)),
		service.WithHub(wsHub),
	)

	sweeper := service.NewSweeper(approvalStore, auditService,
		service.WithSweepInterval(envDuration("SWEEP_INTERVAL_MINUTES", 60, time.Minute)),
	)

	// Initialize Handlers
	approvalHandler := handler.NewApprovalHandler(approvalService)
	auditHandler := handler.NewAuditHandler(auditService)
	authHandler := handler.NewAuthHandler(operators, auditService)

	// Set up Gin Router
	router := gin.Default()

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "OK"})
	})

	// WebSocket endpoint for approval dashboards
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, middleware.GetJWTSecret())
	})

	// Register API Routes
	authHandler.RegisterRoutes(router.Group(""))
	approvalHandler.RegisterRoutes(router.Group(""))
	auditHandler.RegisterRoutes(router.Group(""))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Expiry sweeper tied to process lifetime
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	stopSweeper := sweeper.Start(sweepCtx)

	go func() {
		log.Printf("Server listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	stopSweeper()
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// buildDSN assembles the postgres DSN from environment variables with local
// development defaults.
func buildDSN() string {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	dbHost := get("DB_HOST", "localhost")
	dbPort := get("DB_PORT", "5432")
	dbUser := get("DB_USER", "postgres")
	dbPassword := get("DB_PASSWORD", "postgres")
	dbName := get("DB_NAME", "postgres")
	dbSslMode := get("DB_SSLMODE", "disable")

	return "postgres://" + dbUser + ":" + dbPassword + "@" + dbHost + ":" + dbPort + "/" + dbName + "?sslmode=" + dbSslMode
}

// envDuration reads an integer env var and scales it by unit.
func envDuration(key string, fallback int, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * unit
		}
		log.Printf("Ignoring invalid %s=%q", key, os.Getenv(key))
	}
	return time.Duration(fallback) * unit
}
