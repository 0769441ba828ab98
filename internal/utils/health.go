package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  []Service `json:"services"`
}

type Service struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency int64  `json:"latency_ms"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the backends the engine persists through. Either field
// may be nil; only wired backends are reported.
type HealthChecker struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	var services []Service
	overallStatus := "healthy"

	if h.DB != nil {
		service := h.probe(ctx, "postgres", func(ctx context.Context) error {
			sqlDB, err := h.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
		if service.Status != "up" {
			overallStatus = "degraded"
		}
		services = append(services, service)
	}

	if h.Redis != nil {
		service := h.probe(ctx, "redis", func(ctx context.Context) error {
			return h.Redis.Ping(ctx).Err()
		})
		if service.Status != "up" {
			overallStatus = "degraded"
		}
		services = append(services, service)
	}

	return HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Services:  services,
	}
}

func (h *HealthChecker) probe(ctx context.Context, name string, ping func(context.Context) error) Service {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	service := Service{Name: name, Status: "up"}
	if err := ping(ctx); err != nil {
		service.Status = "down"
		service.Message = err.Error()
	}
	service.Latency = time.Since(start).Milliseconds()
	return service
}
