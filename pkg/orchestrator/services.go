package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// ServiceDef describes one child service the orchestrator can boot.
// Build opens the service's resources and returns its handler plus a
// cleanup that releases them after the HTTP server has drained.
type ServiceDef struct {
	Name  string
	Port  int
	Build func(ctx context.Context) (http.Handler, func() error, error)
}

// HealthURL is the endpoint polled until the service answers.
func (d ServiceDef) HealthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", d.Port)
}

// ManagedService is a booted child service.
type ManagedService struct {
	Name      string
	HealthURL string
	server    *http.Server
	cleanup   func() error
	stop      context.CancelFunc
	logger    *slog.Logger
}

// startService binds the service's port and serves it in the
// background. The context handed to Build bounds any watcher
// goroutines the service spawns and is cancelled on Stop.
func startService(def ServiceDef, logger *slog.Logger) (*ManagedService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	handler, cleanup, err := def.Build(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("orchestrator: build %s: %w", def.Name, err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", def.Port))
	if err != nil {
		cancel()
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, fmt.Errorf("orchestrator: bind %s: %w", def.Name, err)
	}

	svc := &ManagedService{
		Name:      def.Name,
		HealthURL: def.HealthURL(),
		server:    &http.Server{Handler: handler},
		cleanup:   cleanup,
		stop:      cancel,
		logger:    logger,
	}
	go func() {
		if err := svc.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("service stopped", "service", def.Name, "error", err)
		}
	}()
	return svc, nil
}

// Stop drains the server, falling back to a hard close, then releases
// the service's resources.
func (s *ManagedService) Stop() {
	s.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
	if s.cleanup != nil {
		if err := s.cleanup(); err != nil {
			s.logger.Warn("service cleanup failed", "service", s.Name, "error", err)
		}
	}
}

// waitHealthy polls url once a second until it answers with a
// non-5xx status or the deadline passes.
func waitHealthy(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("service did not become healthy: %s", url)
}

// StorePathForService derives an isolated store path for a child
// service from a shared base path, so concurrently booted services
// never collide on one file.
func StorePathForService(base, service string) string {
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	if ext := filepath.Ext(name); ext != "" {
		stem := strings.TrimSuffix(name, ext)
		return filepath.Join(dir, stem+"_"+service+ext)
	}
	return filepath.Join(dir, name+"_"+service+".db")
}
