// Package config trata do carregamento e validação da configuração do
// proxy a partir de um arquivo YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ListenerConfig descreve o endereço de escuta do cliente e o tipo de
// roteamento ("fixed" ou "shadow"). Campos de tempo são lidos em
// milissegundos (sufixo "_ms") pois time.Duration desserializa um inteiro
// YAML puro como nanossegundos — ReloadTimeout()/QueueTimeout() convertem.
type ListenerConfig struct {
	Address         string `yaml:"address"`
	ReloadTimeoutMS int    `yaml:"reload_timeout_ms"`
	RoutingType     string `yaml:"routing_type"` // "fixed" | "shadow"
	MaxInFlight     int    `yaml:"max_in_flight"`
	QueueTimeoutMS  int    `yaml:"queue_timeout_ms"`
}

// ReloadTimeout converte ReloadTimeoutMS para time.Duration.
func (l ListenerConfig) ReloadTimeout() time.Duration {
	return time.Duration(l.ReloadTimeoutMS) * time.Millisecond
}

// QueueTimeout converte QueueTimeoutMS para time.Duration.
func (l ListenerConfig) QueueTimeout() time.Duration {
	return time.Duration(l.QueueTimeoutMS) * time.Millisecond
}

// MetricsConfig descreve o servidor HTTP de métricas Prometheus.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// HealthConfig descreve o servidor HTTP de health check e a cadência das
// checagens ativas.
type HealthConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	CheckIntervalMS int    `yaml:"check_interval_ms"`
}

// CheckInterval converte CheckIntervalMS para time.Duration.
func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalMS) * time.Millisecond
}

// CoordinatorConfig descreve a conexão Redis opcional usada para propagar
// transições de cool-off entre instâncias do proxy. RedisAddr vazio
// desabilita a propagação entre instâncias (modo local apenas).
type CoordinatorConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// PoolConfig descreve um pool de backends nomeado ("default", "shadow").
type PoolConfig struct {
	Addresses         []string `yaml:"addresses"`
	Conns             int      `yaml:"conns"`
	CooloffEnabled    bool     `yaml:"cooloff_enabled"`
	CooloffTimeoutMS  int      `yaml:"cooloff_timeout_ms"`
	CooloffErrorLimit int      `yaml:"cooloff_error_limit"`
}

// CooloffTimeout converte CooloffTimeoutMS para time.Duration.
func (p PoolConfig) CooloffTimeout() time.Duration {
	return time.Duration(p.CooloffTimeoutMS) * time.Millisecond
}

// Config é a estrutura raiz de configuração do proxy.
type Config struct {
	InstanceID  string                `yaml:"instance_id"`
	Listener    ListenerConfig        `yaml:"listener"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Health      HealthConfig          `yaml:"health"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Pools       map[string]PoolConfig `yaml:"pools"`
}

// Load lê e valida um arquivo de configuração YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	def, ok := c.Pools["default"]
	if !ok {
		return fmt.Errorf("a pool named 'default' is required")
	}
	if len(def.Addresses) == 0 {
		return fmt.Errorf("pools.default.addresses must not be empty")
	}
	for name, p := range c.Pools {
		if len(p.Addresses) == 0 {
			return fmt.Errorf("pools.%s.addresses must not be empty", name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			c.InstanceID = hostname
		} else {
			c.InstanceID = uuid.NewString()
		}
	}
	if c.Listener.RoutingType == "" {
		c.Listener.RoutingType = "fixed"
	}
	if c.Listener.ReloadTimeoutMS == 0 {
		c.Listener.ReloadTimeoutMS = 5000
	}
	if c.Listener.MaxInFlight == 0 {
		c.Listener.MaxInFlight = 4096
	}
	if c.Listener.QueueTimeoutMS == 0 {
		c.Listener.QueueTimeoutMS = 5000
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Health.ListenAddr == "" {
		c.Health.ListenAddr = ":8080"
	}
	if c.Health.CheckIntervalMS == 0 {
		c.Health.CheckIntervalMS = 15000
	}

	for name, p := range c.Pools {
		if p.Conns == 0 {
			p.Conns = 1
		}
		if p.CooloffTimeoutMS == 0 {
			p.CooloffTimeoutMS = 10000
		}
		if p.CooloffErrorLimit == 0 {
			p.CooloffErrorLimit = 5
		}
		c.Pools[name] = p
	}
}

// Pool retorna a configuração de um pool nomeado.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	p, ok := c.Pools[name]
	return p, ok
}
