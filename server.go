package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pos_backend/config"
	"pos_backend/models"
	"pos_backend/utils"
)

const defaultPort = "8080"

var (
	salesPostedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sales_posted_total",
		Help: "Posted sales by document type.",
	}, []string{"document_type"})
	salesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_sales_cancelled_total",
		Help: "Cancelled sales.",
	})
	salesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sales_rejected_total",
		Help: "Rejected sale commands by error kind.",
	}, []string{"kind"})
)

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// respondSaleError maps the error taxonomy onto HTTP statuses:
// Validation 422, Conflict/IllegalState 409, NotFound 404, Storage 503.
func respondSaleError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	salesRejectedTotal.WithLabelValues(string(kind)).Inc()

	status := http.StatusServiceUnavailable
	switch kind {
	case utils.ErrorKindValidation:
		status = http.StatusUnprocessableEntity
	case utils.ErrorKindConflict, utils.ErrorKindIllegalState:
		status = http.StatusConflict
	case utils.ErrorKindNotFound:
		status = http.StatusNotFound
	}

	if se, ok := utils.AsSaleError(err); ok {
		c.JSON(status, gin.H{
			"error":      se.Message,
			"kind":       se.Kind,
			"violations": se.Violations,
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func postSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSale
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		sale, err := models.PostSale(c.Request.Context(), &input)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		salesPostedTotal.WithLabelValues(string(sale.DocumentType)).Inc()
		c.JSON(http.StatusCreated, sale)
	}
}

type cancelSaleRequest struct {
	Reason string `json:"reason"`
}

func cancelSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		saleId, err := strconv.Atoi(c.Param("id"))
		if err != nil || saleId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sale id"})
			return
		}
		var req cancelSaleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		sale, err := models.CancelSale(c.Request.Context(), saleId, req.Reason)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		salesCancelledTotal.Inc()
		c.JSON(http.StatusOK, sale)
	}
}

func getSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		saleId, err := strconv.Atoi(c.Param("id"))
		if err != nil || saleId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sale id"})
			return
		}
		sale, err := models.GetSale(c.Request.Context(), saleId)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, sale)
	}
}

func getSalesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.SaleStatus
		if s := c.Query("status"); s != "" {
			st := models.SaleStatus(s)
			status = &st
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sales, err := models.GetSales(c.Request.Context(), status, limit)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, sales)
	}
}

func getSaleByNumberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		number := strings.TrimSpace(c.Param("number"))
		if number == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document number"})
			return
		}
		sale, err := models.GetSaleByDocumentNumber(c.Request.Context(), number)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, sale)
	}
}

func saleMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		saleId, err := strconv.Atoi(c.Param("id"))
		if err != nil || saleId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sale id"})
			return
		}
		movements, err := models.GetMovementsForSale(c.Request.Context(), saleId)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	}
}

func createProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	}
}

func getProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		product, err := models.GetProduct(c.Request.Context(), productId)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func getProductsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := models.GetProducts(c.Request.Context(), utils.NilIfEmpty(c.Query("name")))
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, products)
	}
}

func lowStockProductsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := models.GetLowStockProducts(c.Request.Context())
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, products)
	}
}

type adjustStockRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
}

func adjustStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		var req adjustStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		product, err := models.AdjustProductStock(c.Request.Context(), productId, req.Delta, req.Reason)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

type toggleActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func toggleActiveProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		product, err := models.ToggleActiveProduct(c.Request.Context(), productId, *req.IsActive)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func productMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		movements, err := models.GetMovementsForProduct(c.Request.Context(), productId, limit)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	}
}

func createCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		customer, err := models.CreateCustomer(c.Request.Context(), &input)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, customer)
	}
}

func getCustomersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		customers, err := models.GetCustomers(c.Request.Context(), utils.NilIfEmpty(c.Query("name")))
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, customers)
	}
}

func getCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		customerId, err := strconv.Atoi(c.Param("id"))
		if err != nil || customerId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
			return
		}
		customer, err := models.GetCustomer(c.Request.Context(), customerId)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, customer)
	}
}

// Ops tooling: the receipt/fiscal worker polls and acks outbox rows here.
func outboxListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		events, err := models.GetUnprocessedSaleEvents(c.Request.Context(), limit)
		if err != nil {
			respondSaleError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

func outboxAckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventId, err := strconv.Atoi(c.Param("id"))
		if err != nil || eventId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		if err := models.MarkSaleEventProcessed(c.Request.Context(), eventId); err != nil {
			respondSaleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if terminal := c.GetHeader("x-terminal-id"); terminal != "" {
			ctx = utils.SetTerminalIdInContext(ctx, terminal)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe and metrics scrapes.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/sales", postSaleHandler())
	r.GET("/sales", getSalesHandler())
	r.GET("/sales/:id", getSaleHandler())
	r.GET("/sales/by-number/:number", getSaleByNumberHandler())
	r.POST("/sales/:id/cancel", cancelSaleHandler())
	r.GET("/sales/:id/movements", saleMovementsHandler())

	r.POST("/products", createProductHandler())
	r.GET("/products", getProductsHandler())
	r.GET("/products/low-stock", lowStockProductsHandler())
	r.GET("/products/:id", getProductHandler())
	r.POST("/products/:id/adjust-stock", adjustStockHandler())
	r.POST("/products/:id/toggle-active", toggleActiveProductHandler())
	r.GET("/products/:id/movements", productMovementsHandler())

	r.POST("/customers", createCustomerHandler())
	r.GET("/customers", getCustomersHandler())
	r.GET("/customers/:id", getCustomerHandler())

	// Ops tooling: outbox poll + ack for the downstream receipt worker.
	r.GET("/internal/ops/outbox", outboxListHandler())
	r.POST("/internal/ops/outbox/:id/ack", outboxAckHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
