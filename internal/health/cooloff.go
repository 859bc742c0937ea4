// Package health implementa a máquina de estados de cool-off passivo de um
// backend e o verificador ativo que a complementa.
package health

import (
	"sync"
	"time"
)

// State é a máquina de estados de cool-off de um único backend: contagem
// de erros consecutivos, se o backend está atualmente em cool-off, e um
// epoch que incrementa a cada transição Healthy→Cooling→Healthy.
//
// Há vários escritores, todos serializados pelo mutex: o Supervisor do
// backend (RecordError e IsHealthy, que observa a expiração do cool-off),
// as goroutines de conexão (RecordSuccess), o Checker ativo (RecordError e
// RecordSuccess) e os hints de outras instâncias (ApplyHint). Leitores como
// métricas e o anel do pool leem um snapshot consistente via Snapshot().
type State struct {
	mu sync.Mutex

	cooloffEnabled bool
	cooloffPeriod  time.Duration
	errorLimit     int

	errorCount int
	inCooloff  bool
	epoch      uint64
	doneAt     time.Time
}

// NewState cria o estado de cool-off para um backend recém-criado.
func NewState(cooloffEnabled bool, cooloffPeriod time.Duration, errorLimit int) *State {
	return &State{
		cooloffEnabled: cooloffEnabled,
		cooloffPeriod:  cooloffPeriod,
		errorLimit:     errorLimit,
	}
}

// Snapshot é uma cópia imutável do estado, segura para ler sem lock.
type Snapshot struct {
	InCooloff  bool
	Epoch      uint64
	ErrorCount int
}

// IsHealthy decide, no instante da chamada, se o backend pode receber
// trabalho. Se o cool-off expirou, a transição Cooling→Healthy acontece
// aqui: error_count é zerado, in_cooloff cai, e epoch incrementa — leitores
// que guardaram um epoch anterior sabem que sua decisão está obsoleta.
func (s *State) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inCooloff {
		return true
	}
	if time.Now().Before(s.doneAt) {
		return false
	}

	s.inCooloff = false
	s.errorCount = 0
	s.epoch++
	return true
}

// RecordError registra uma falha de I/O contra o backend. Se o cool-off
// está desabilitado, a contagem ainda é mantida (para métricas) mas nunca
// dispara a transição. Ao atingir error_limit, o backend entra em cool-off
// até cooloff_period_ms a partir de agora, e epoch incrementa.
func (s *State) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount++
	if !s.cooloffEnabled || s.inCooloff {
		return
	}
	if s.errorCount >= s.errorLimit {
		s.inCooloff = true
		s.doneAt = time.Now().Add(s.cooloffPeriod)
		s.epoch++
	}
}

// RecordSuccess zera a contagem de erros consecutivos sem afetar o epoch —
// uma operação bem-sucedida não encerra um cool-off já em curso (isso só
// acontece por expiração do deadline em IsHealthy), mas evita que uma
// sequência de erros antigos e esparsos acumule até o limite.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inCooloff {
		s.errorCount = 0
	}
}

// Epoch retorna o epoch atual sem avaliar expiração.
func (s *State) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Snapshot retorna uma cópia consistente do estado para métricas e para o
// broadcaster de coordenação entre instâncias.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{InCooloff: s.inCooloff, Epoch: s.epoch, ErrorCount: s.errorCount}
}

// ApplyHint considera uma observação de cool-off vinda de outra instância
// do proxy (via coordinator.Broadcaster). Nunca é autoritativa: só
// adianta o relógio local (antecipando o início do cool-off) quando o
// epoch do hint é mais novo que o local, nunca força saída de cool-off.
func (s *State) ApplyHint(epoch uint64, inCooloff bool, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch <= s.epoch || !inCooloff || s.inCooloff {
		return
	}
	s.inCooloff = true
	s.epoch = epoch
	s.doneAt = time.Now().Add(period)
}
