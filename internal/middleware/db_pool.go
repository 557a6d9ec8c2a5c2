package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/response"
)

// DBPoolLimiter sheds requests with 503 while the connection pool is nearly
// exhausted, instead of letting them queue on pool acquisition
type DBPoolLimiter struct {
	pool      *pgxpool.Pool
	threshold float64
}

// NewDBPoolLimiter creates a limiter that rejects at threshold (0..1) usage
func NewDBPoolLimiter(pool *pgxpool.Pool, threshold float64) *DBPoolLimiter {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &DBPoolLimiter{pool: pool, threshold: threshold}
}

// Usage returns the share of connections currently acquired
func (dpl *DBPoolLimiter) Usage() float64 {
	stats := dpl.pool.Stat()
	if stats.MaxConns() == 0 {
		return 0
	}
	return float64(stats.AcquiredConns()) / float64(stats.MaxConns())
}

// Middleware returns a Gin middleware for database connection pool protection
func (dpl *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if usage := dpl.Usage(); usage >= dpl.threshold {
			logger.Warn("Database connection pool exhausted",
				zap.Int32("max_conns", dpl.pool.Stat().MaxConns()),
				zap.Float64("pool_usage", usage))
			response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
			c.Abort()
			return
		}
		c.Next()
	}
}
