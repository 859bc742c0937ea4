package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status é o resultado textual de uma checagem de componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth é o resultado de uma checagem ativa contra um backend.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report é o relatório agregado servido em /health.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Probe é um backend a ser verificado ativamente: seu endereço, o estado
// de cool-off passivo que deve ser alimentado com falhas da checagem ativa,
// e um cliente go-redis dedicado só ao PING — nunca ao tráfego real, que
// segue pelo codec RESP hand-rolled do pipeline.
type Probe struct {
	Name   string
	Client *redis.Client
	State  *State
}

// Checker executa checagens ativas periódicas contra todos os backends
// configurados, complementando o cool-off passivo orientado a erro com um
// sinal independente de "o backend está respondendo agora".
type Checker struct {
	instanceID string
	probes     []Probe
}

// NewChecker cria um checker para o conjunto de backends fornecido.
func NewChecker(instanceID string, probes []Probe) *Checker {
	return &Checker{instanceID: instanceID, probes: probes}
}

// Check executa todas as checagens concorrentemente e monta o relatório.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			ch := checkOne(ctx, p)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

func checkOne(ctx context.Context, p Probe) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.Client.Ping(ctx).Err(); err != nil {
		if p.State != nil {
			p.State.RecordError()
		}
		return ComponentHealth{
			Name:    p.Name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	if p.State != nil {
		p.State.RecordSuccess()
	}
	return ComponentHealth{
		Name:    p.Name,
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: time.Since(start).String(),
	}
}

// Run executes Check on a fixed interval until ctx is cancelled, feeding
// failures into each backend's passive health.State exactly as an
// on-demand /health request would. This is what keeps cool-off decisions
// informed even for backends a client hasn't touched recently.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Close closes every probe's dedicated redis client.
func (c *Checker) Close() error {
	var firstErr error
	for _, p := range c.probes {
		if err := p.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ServeHTTP inicia o servidor HTTP de health check em addr e retorna o
// *http.Server para que o chamador possa encerrá-lo graciosamente.
func (c *Checker) ServeHTTP(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
