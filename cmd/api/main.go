package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sortline/sortline/internal/application"
	"github.com/sortline/sortline/internal/binding"
	"github.com/sortline/sortline/internal/domain"
	kafkaInfra "github.com/sortline/sortline/internal/infrastructure/kafka"
	mongoRepo "github.com/sortline/sortline/internal/infrastructure/mongodb"
	"github.com/sortline/sortline/internal/infrastructure/rulefile"
	"github.com/sortline/sortline/internal/pipeline"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/internal/rules"
	"github.com/sortline/sortline/pkg/cloudevents"
	"github.com/sortline/sortline/pkg/errors"
	"github.com/sortline/sortline/pkg/kafka"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
	"github.com/sortline/sortline/pkg/middleware"
	"github.com/sortline/sortline/pkg/mongodb"
)

const serviceName = "sortline"

func main() {
	logConfig := logging.DefaultConfig(serviceName)
	logConfig.Level = logging.LogLevel(getEnv("LOG_LEVEL", "info"))
	logger := logging.New(logConfig)
	logger.SetDefault()

	logger.Info("Starting sortline API")

	config := loadConfig()
	ctx := context.Background()

	metricsConfig := metrics.DefaultConfig(serviceName)
	m := metrics.New(metricsConfig)
	logger.Info("Metrics initialized")

	mongoClient, err := mongodb.NewClient(ctx, config.MongoDB)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to MongoDB")
		os.Exit(1)
	}
	defer mongoClient.Close(ctx)
	logger.Info("Connected to MongoDB", "database", config.MongoDB.Database)

	kafkaProducer := kafka.NewProducer(config.Kafka)
	instrumentedProducer := kafka.NewInstrumentedProducer(kafkaProducer, m, logger)
	defer instrumentedProducer.Close()
	logger.Info("Kafka producer initialized", "brokers", config.Kafka.Brokers)

	eventFactory := cloudevents.NewEventFactory(cloudevents.SourceLine, config.LineID)
	eventSink := kafkaInfra.NewEventPublisher(instrumentedProducer, eventFactory, kafka.Topics)

	clock := domain.SystemClock{}

	parcelRepo := mongoRepo.NewParcelRepository(mongoClient.Database(), m)
	archive := mongoRepo.NewResilientArchive(parcelRepo, logger.Logger)

	windowRepo, err := mongoRepo.NewWindowRepository(ctx, mongoClient.Database(), config.DefaultWindow, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize binding window")
		os.Exit(1)
	}

	var ruleSource domain.RuleSource
	if config.RuleFilePath != "" {
		ruleSource = rulefile.NewSource(config.RuleFilePath, logger)
		logger.Info("Using file-backed rule source", "path", config.RuleFilePath)
	} else {
		ruleSource = mongoRepo.NewRuleRepository(mongoClient.Database(), m)
	}

	ruleCache := rules.NewCache(ruleSource, clock, config.RuleCache, logger, m)
	ruleEngine := rules.NewEngine(ruleCache, logger, m)

	parcelRegistry := registry.New()
	correlator := binding.NewCorrelator(parcelRegistry, windowRepo, clock, logger)

	linePipeline := pipeline.New(
		parcelRegistry,
		correlator,
		ruleEngine,
		windowRepo,
		clock,
		eventSink,
		archive,
		logger,
		m,
		config.Pipeline,
	)
	linePipeline.Start()

	sortlineService := application.NewSortlineService(
		linePipeline,
		parcelRegistry,
		ruleCache,
		windowRepo,
		parcelRepo,
		clock,
		logger,
	)

	router := gin.New()

	middleware.InitValidator()
	middlewareConfig := middleware.DefaultConfig(serviceName, logger.Logger)
	middleware.Setup(router, middlewareConfig)
	router.Use(middleware.MetricsMiddleware(m))

	router.NoRoute(middleware.NoRoute())
	router.NoMethod(middleware.NoMethod())

	router.GET("/health", middleware.HealthCheck(serviceName))
	router.GET("/ready", middleware.ReadinessCheck(serviceName, func() error {
		return mongoClient.HealthCheck(ctx)
	}))
	router.GET("/metrics", middleware.MetricsEndpoint(m))

	api := router.Group("/api/v1")
	{
		api.POST("/signals/parcel", signalParcelHandler(sortlineService, logger))
		api.POST("/signals/dws", signalDwsHandler(sortlineService, logger))
		api.GET("/parcels", listParcelsHandler(sortlineService))
		api.GET("/parcels/:parcelId", getParcelHandler(sortlineService, logger))
		api.GET("/binding-window", getWindowHandler(sortlineService))
		api.PUT("/binding-window", updateWindowHandler(sortlineService, logger))
		api.GET("/rules", listRulesHandler(sortlineService, logger))
		api.POST("/rules/invalidate", invalidateRulesHandler(sortlineService))
		api.GET("/chutes/occupancy", occupancyHandler(sortlineService))
	}

	srv := &http.Server{
		Addr:         config.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server error")
		}
	}()
	logger.Info("Server started", "addr", config.ServerAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Stop intake first, then drain the pipeline
	linePipeline.Stop()

	logger.Info("Server stopped")
}

// Config holds application configuration
type Config struct {
	ServerAddr    string
	LineID        string
	RuleFilePath  string
	MongoDB       *mongodb.Config
	Kafka         *kafka.Config
	Pipeline      pipeline.Config
	RuleCache     rules.CacheConfig
	DefaultWindow domain.BindingWindow
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:   getEnv("SERVER_ADDR", ":8080"),
		LineID:       getEnv("LINE_ID", "line-1"),
		RuleFilePath: getEnv("RULE_FILE_PATH", ""),
		MongoDB: &mongodb.Config{
			URI:            getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database:       getEnv("MONGODB_DATABASE", "sortline_db"),
			ConnectTimeout: 10 * time.Second,
			MaxPoolSize:    100,
			MinPoolSize:    10,
		},
		Kafka: &kafka.Config{
			Brokers:      []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			ClientID:     serviceName,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: -1,
		},
		Pipeline: pipeline.Config{
			QueueCapacity:      getEnvInt("PIPELINE_QUEUE_CAPACITY", 1000),
			SupervisorInterval: getEnvDuration("PIPELINE_SUPERVISOR_INTERVAL_MS", 50),
		},
		RuleCache: rules.CacheConfig{
			SlidingExpiration:  getEnvDuration("RULE_CACHE_SLIDING_MS", 5*60*1000),
			AbsoluteExpiration: getEnvDuration("RULE_CACHE_ABSOLUTE_MS", 30*60*1000),
		},
		DefaultWindow: domain.BindingWindow{
			MinWait:          getEnvDuration("BINDING_MIN_WAIT_MS", 50),
			MaxWait:          getEnvDuration("BINDING_MAX_WAIT_MS", 200),
			ExceptionChuteID: getEnv("EXCEPTION_CHUTE_ID", "EXC-1"),
			Enabled:          getEnv("BINDING_WINDOW_ENABLED", "true") == "true",
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer millisecond count from the environment
func getEnvDuration(key string, defaultMs int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(defaultMs) * time.Millisecond
}

// HTTP Handlers

func signalParcelHandler(service *application.SortlineService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger.Logger)

		var req struct {
			ParcelID   string `json:"parcelId" binding:"required,parcel_id"`
			CartNumber string `json:"cartNumber" binding:"omitempty,cart_number"`
			Barcode    string `json:"barcode" binding:"omitempty,barcode"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": middleware.ValidationErrorFormatter(err)})
			return
		}

		cmd := application.SignalParcelCommand{
			ParcelID:   req.ParcelID,
			CartNumber: req.CartNumber,
			Barcode:    req.Barcode,
		}

		if err := service.SignalParcel(c.Request.Context(), cmd); err != nil {
			respondError(responder, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"parcelId": req.ParcelID, "accepted": true})
	}
}

func signalDwsHandler(service *application.SortlineService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger.Logger)

		var req struct {
			ParcelID      string          `json:"parcelId" binding:"omitempty,parcel_id"`
			Barcode       string          `json:"barcode" binding:"omitempty,barcode"`
			Weight        decimal.Decimal `json:"weight"`
			Length        decimal.Decimal `json:"length"`
			Width         decimal.Decimal `json:"width"`
			Height        decimal.Decimal `json:"height"`
			Volume        decimal.Decimal `json:"volume"`
			SourceAddress string          `json:"sourceAddress"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": middleware.ValidationErrorFormatter(err)})
			return
		}

		cmd := application.SignalDwsCommand{
			ParcelID:      req.ParcelID,
			Barcode:       req.Barcode,
			Weight:        req.Weight,
			Length:        req.Length,
			Width:         req.Width,
			Height:        req.Height,
			Volume:        req.Volume,
			SourceAddress: req.SourceAddress,
		}

		if err := service.SignalDws(c.Request.Context(), cmd); err != nil {
			respondError(responder, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

func listParcelsHandler(service *application.SortlineService) gin.HandlerFunc {
	return func(c *gin.Context) {
		parcels := service.ListInFlight(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"parcels": parcels, "total": len(parcels)})
	}
}

func getParcelHandler(service *application.SortlineService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger.Logger)

		query := application.GetParcelQuery{ParcelID: c.Param("parcelId")}

		parcel, err := service.GetParcel(c.Request.Context(), query)
		if err != nil {
			respondError(responder, err)
			return
		}

		c.JSON(http.StatusOK, parcel)
	}
}

func getWindowHandler(service *application.SortlineService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.GetWindow(c.Request.Context()))
	}
}

func updateWindowHandler(service *application.SortlineService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger.Logger)

		var req struct {
			MinWaitMs        int64  `json:"minWaitMs" binding:"min=0"`
			MaxWaitMs        int64  `json:"maxWaitMs" binding:"required,gtfield=MinWaitMs"`
			ExceptionChuteID string `json:"exceptionChuteId" binding:"required,chute_id"`
			Enabled          bool   `json:"enabled"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": middleware.ValidationErrorFormatter(err)})
			return
		}

		cmd := application.UpdateWindowCommand{
			MinWaitMs:        req.MinWaitMs,
			MaxWaitMs:        req.MaxWaitMs,
			ExceptionChuteID: req.ExceptionChuteID,
			Enabled:          req.Enabled,
		}

		window, err := service.UpdateWindow(c.Request.Context(), cmd)
		if err != nil {
			respondError(responder, err)
			return
		}

		c.JSON(http.StatusOK, window)
	}
}

func listRulesHandler(service *application.SortlineService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger.Logger)

		ruleSet, err := service.ListRules(c.Request.Context())
		if err != nil {
			respondError(responder, err)
			return
		}

		c.JSON(http.StatusOK, ruleSet)
	}
}

func invalidateRulesHandler(service *application.SortlineService) gin.HandlerFunc {
	return func(c *gin.Context) {
		service.InvalidateRules(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"invalidated": true})
	}
}

func occupancyHandler(service *application.SortlineService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.ChuteOccupancy(c.Request.Context()))
	}
}

func respondError(responder *middleware.ErrorResponder, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		responder.RespondWithAppError(appErr)
		return
	}
	responder.RespondInternalError(err)
}
