package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/marketloop/marketloop/internal/api"
	"github.com/marketloop/marketloop/internal/attach"
	"github.com/marketloop/marketloop/internal/auth"
	"github.com/marketloop/marketloop/internal/database"
	"github.com/marketloop/marketloop/internal/feed"
	"github.com/marketloop/marketloop/internal/lifecycle"
	internalWs "github.com/marketloop/marketloop/internal/websocket"
)

func main() {
	// Set up logging to file
	logFile, err := os.OpenFile("server.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Configure log to write to both file and console
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Set Gin mode based on environment
	env := os.Getenv("ENV")
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize JWT key from environment variable
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	auth.InitJWTKey([]byte(jwtSecret))

	// Database connection
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := database.NewPostgresDB(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database successfully")

	// Redis carries the per-conversation change feed
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	transport := feed.NewRedisTransport(redisClient)
	publisher := feed.NewRedisPublisher(redisClient)

	// Media uploads
	uploader := attach.NewUploader(attach.NewHTTPStore(
		os.Getenv("MEDIA_UPLOAD_URL"),
		os.Getenv("MEDIA_API_KEY"),
		os.Getenv("MEDIA_API_SECRET"),
		os.Getenv("MEDIA_FOLDER"),
	))

	// Initialize router with default middleware (logger and recovery)
	router := gin.Default()

	// Configure CORS using environment variable
	allowedOrigins := strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",")

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Create API handlers
	authHandler := api.NewAuthHandler(db)
	conversationHandler := api.NewConversationHandler(db, lifecycle.NewManager(db), publisher)
	attachmentHandler := api.NewAttachmentHandler(uploader)
	ratingHandler := api.NewRatingHandler(db)

	// Initialize WebSocket feed gateway
	wsManager := internalWs.NewManager(db, transport)
	go wsManager.Run()

	// Public routes (no authentication required)
	router.POST("/api/auth/register", authHandler.Register)
	router.POST("/api/auth/login", authHandler.Login)

	// Protected routes (authentication required)
	authorized := router.Group("/api")
	authorized.Use(api.AuthMiddleware())
	{
		authorized.GET("/auth/me", authHandler.GetMe)
		authorized.GET("/users", authHandler.GetAllUsers)

		// Conversation routes
		authorized.POST("/conversations", conversationHandler.CreateConversation)
		authorized.GET("/conversations", conversationHandler.ListConversations)
		authorized.GET("/conversations/:conversationID", conversationHandler.GetConversation)
		authorized.POST("/conversations/:conversationID/messages", conversationHandler.SendMessage)
		authorized.PUT("/conversations/:conversationID/read", conversationHandler.MarkRead)
		authorized.DELETE("/conversations/:conversationID", conversationHandler.DeleteConversation)
		authorized.POST("/conversations/:conversationID/restore", conversationHandler.RestoreConversation)

		// Attachment uploads
		authorized.POST("/attachments", attachmentHandler.Upload)

		// Ratings
		authorized.POST("/ratings", ratingHandler.RateUser)
	}

	// WebSocket route: browsers cannot set an Authorization header on the
	// upgrade request, so the token rides in a query parameter
	router.GET("/api/ws", func(c *gin.Context) {
		tokenParam := c.Query("token")
		if tokenParam == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		claims, err := auth.ValidateToken(tokenParam)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		userUUID, err := uuid.Parse(claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID format in token"})
			return
		}

		c.Set("userID", userUUID)
		c.Set("username", claims.Username)
		wsManager.HandleWebSocket(c)
	})

	// Add health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Get server port from environment variable or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Configure HTTP server
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give the server 5 seconds to finish processing remaining requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited properly")
}
