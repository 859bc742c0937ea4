// Package metrics define as métricas Prometheus do proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive rastreia conexões de backend vivas por shard.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_connections_active",
		Help: "Number of live backend connections per shard",
	}, []string{"shard"})

	// ConnectionErrors conta erros de I/O por shard e tipo.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_connection_errors_total",
		Help: "Total backend connection errors",
	}, []string{"shard", "error_type"})

	// CooloffTransitions conta transições de estado de cool-off por shard.
	CooloffTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_cooloff_transitions_total",
		Help: "Total cool-off state transitions per shard",
	}, []string{"shard", "direction"})

	// BackendHealthy reporta 1/0 se o backend está saudável no instante da
	// última atualização de supervisor.
	BackendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_backend_healthy",
		Help: "1 if the backend is currently accepting work, 0 if in cool-off",
	}, []string{"shard"})

	// RequestsTotal conta requisições de cliente processadas por comando e resultado.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total client requests processed",
	}, []string{"command", "result"})

	// FragmentCount mede quantos fragmentos um comando multi-chave gerou.
	FragmentCount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_fragment_count",
		Help:    "Number of key fragments a multi-key command was split into",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	}, []string{"command"})

	// RequestDuration mede a latência ponta a ponta de uma requisição de cliente.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "End-to-end latency of a client request",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"command"})

	// AdmissionQueueDepth mede quantas requisições aguardam admissão por pool.
	AdmissionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_admission_queue_depth",
		Help: "Requests waiting for an admission slot per pool",
	}, []string{"pool"})

	// AdmissionRejected conta rejeições do circuit breaker de admissão.
	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_admission_rejected_total",
		Help: "Total requests rejected by the admission gate",
	}, []string{"pool", "reason"})

	// ShadowDropped conta respostas de tráfego sombra descartadas (sucesso ou erro).
	ShadowDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_shadow_dropped_total",
		Help: "Total shadow-pool responses discarded",
	}, []string{"result"})

	// InstanceHeartbeat reporta se esta instância de proxy está viva.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// CoordinatorEvents conta eventos publicados/recebidos pelo broadcaster
	// de cool-off entre instâncias.
	CoordinatorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_coordinator_events_total",
		Help: "Total cool-off coordination events",
	}, []string{"direction", "status"})
)
