package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUp        = "up"
	StatusDown      = "down"
	StatusNotLoaded = "not_configured"
)

// Checker reports the health of one dependency
type Checker func(ctx context.Context) error

// HealthReport is the body of the health endpoint
type HealthReport struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthService runs dependency checks in parallel
type HealthService struct {
	version  string
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthService creates a health service; a nil checker marks a
// dependency that is not configured
func NewHealthService(version string, checkers map[string]Checker, logger *zap.Logger) *HealthService {
	return &HealthService{
		version:  version,
		checkers: checkers,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Check runs every checker and aggregates the result. Any failing or
// unconfigured dependency degrades the overall status.
func (s *HealthService) Check(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var mu sync.Mutex
	services := make(map[string]string, len(s.checkers))

	var g errgroup.Group
	for name, check := range s.checkers {
		if check == nil {
			mu.Lock()
			services[name] = StatusNotLoaded
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			status := StatusUp
			if err := check(ctx); err != nil {
				s.logger.Warn("Health check failed", zap.String("service", name), zap.Error(err))
				status = StatusDown
			}
			mu.Lock()
			services[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, status := range services {
		if status != StatusUp {
			overall = StatusDegraded
			break
		}
	}

	return &HealthReport{
		Status:    overall,
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Services:  services,
	}
}

// Ready reports whether the named dependencies are all up
func (s *HealthService) Ready(ctx context.Context, required ...string) bool {
	report := s.Check(ctx)
	for _, name := range required {
		if report.Services[name] != StatusUp {
			return false
		}
	}
	return true
}
