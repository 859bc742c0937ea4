// Package coordinator propaga, via Redis Pub/Sub, transições de cool-off
// observadas por uma instância do proxy para todas as demais instâncias
// que compartilham o mesmo pool de backends.
//
// Não há nenhum limite global a coordenar: o roteamento é por hash
// consistente da chave, não por contagem de conexão adquirida. O único
// estado que vale a pena compartilhar entre instâncias é "este backend
// acabou de entrar (ou sair) de cool-off", para que uma instância que
// ainda não sofreu erros suficientes possa antecipar a decisão de uma
// irmã que já sofreu.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rvasconcelos/shardcache-proxy/internal/health"
	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
)

const channelCooloff = "shardcache:cooloff:%s" // um canal por pool nomeado

// Event é uma observação de cool-off publicada por uma instância: o
// backend identificado por endereço, seu novo epoch, e se ele acabou de
// entrar em cool-off (false significa que saiu / está saudável).
type Event struct {
	Pool      string
	Backend   string
	Epoch     uint64
	InCooloff bool
}

// Broadcaster publica e recebe Event entre instâncias do proxy via Redis
// Pub/Sub. Quando Redis não está acessível, opera em modo fallback:
// Publish vira no-op e Subscribe devolve um channel já fechado, sem
// eventos — cada instância decide cool-off sozinha, exatamente como se nenhum
// coordinator existisse.
type Broadcaster struct {
	client     redis.UniversalClient
	instanceID string

	fallbackMode atomic.Bool

	subMu sync.Mutex
	subs  []*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBroadcaster conecta ao Redis em addr. addr vazio desabilita a
// coordenação entre instâncias e o Broadcaster retornado já nasce em modo
// fallback.
func NewBroadcaster(ctx context.Context, addr, instanceID string) (*Broadcaster, error) {
	b := &Broadcaster{instanceID: instanceID, stopCh: make(chan struct{})}

	if addr == "" {
		b.fallbackMode.Store(true)
		log.Printf("[coordinator] no redis_addr configured, cool-off propagation disabled")
		return b, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 3 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[coordinator] redis unavailable (%v), starting in fallback mode", err)
		b.fallbackMode.Store(true)
		metrics.CoordinatorEvents.WithLabelValues("connect", "fallback").Inc()
		b.client = client
		return b, nil
	}

	b.client = client
	metrics.CoordinatorEvents.WithLabelValues("connect", "ok").Inc()
	log.Printf("[coordinator] connected to redis at %s (instance=%s)", addr, instanceID)
	return b, nil
}

// IsFallback reports whether cross-instance propagation is currently
// disabled (no Redis configured, or Redis unreachable).
func (b *Broadcaster) IsFallback() bool {
	return b.fallbackMode.Load()
}

// Publish announces a cool-off transition for one backend of one pool.
// It runs on the caller's goroutine and waits for the Redis PUBLISH round
// trip (bounded only by ctx). Failures are logged and counted, never
// returned, because a missed broadcast only delays another
// instance's local detection — it never produces an incorrect decision.
func (b *Broadcaster) Publish(ctx context.Context, pool, backendAddr string, epoch uint64, inCooloff bool) {
	if b.fallbackMode.Load() {
		return
	}
	payload := fmt.Sprintf("%s|%d|%t", backendAddr, epoch, inCooloff)
	channel := fmt.Sprintf(channelCooloff, pool)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.CoordinatorEvents.WithLabelValues("publish", "error").Inc()
		log.Printf("[coordinator] publish failed for pool %s: %v", pool, err)
		return
	}
	metrics.CoordinatorEvents.WithLabelValues("publish", "ok").Inc()
}

// Subscribe returns a channel of Event observed from peer instances for
// the named pool. The channel is closed when Close is called; in fallback
// mode it is returned already closed.
func (b *Broadcaster) Subscribe(ctx context.Context, pool string) <-chan Event {
	out := make(chan Event, 32)
	if b.fallbackMode.Load() {
		close(out)
		return out
	}

	sub := b.client.Subscribe(ctx, fmt.Sprintf(channelCooloff, pool))
	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-b.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := parseEvent(pool, msg.Payload)
				if !ok {
					continue
				}
				metrics.CoordinatorEvents.WithLabelValues("receive", "ok").Inc()
				select {
				case out <- ev:
				default:
					// Slow consumer: drop rather than block the subscription loop.
				}
			}
		}
	}()
	return out
}

func parseEvent(pool, payload string) (Event, bool) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return Event{}, false
	}
	epoch, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Event{}, false
	}
	inCooloff, err := strconv.ParseBool(parts[2])
	if err != nil {
		return Event{}, false
	}
	return Event{Pool: pool, Backend: parts[0], Epoch: epoch, InCooloff: inCooloff}, true
}

// ApplyTo wires incoming peer events for one pool into the local
// health.State of each of its backends, keyed by backend address. It
// returns immediately; application happens in a background goroutine that
// exits when ctx is cancelled.
func (b *Broadcaster) ApplyTo(ctx context.Context, pool string, period time.Duration, states map[string]*health.State) {
	events := b.Subscribe(ctx, pool)
	go func() {
		for ev := range events {
			if st, ok := states[ev.Backend]; ok {
				st.ApplyHint(ev.Epoch, ev.InCooloff, period)
			}
		}
	}()
}

// Close stops all subscriptions and closes the Redis client.
func (b *Broadcaster) Close(ctx context.Context) error {
	close(b.stopCh)

	b.subMu.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	b.subMu.Unlock()

	b.wg.Wait()

	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
