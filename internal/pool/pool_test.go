package pool

import (
	"testing"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/health"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
	"github.com/rvasconcelos/shardcache-proxy/pkg/shard"
)

// newTestRingPool builds a BackendPool with the ring and health states
// populated — enough to exercise Route's grouping and the cool-off-driven
// ring rebuild without starting any Supervisor or dialing a real backend.
func newTestRingPool(addrs ...string) *BackendPool {
	ring := shard.NewRing(addrs)
	states := make(map[string]*health.State, len(addrs))
	for _, addr := range addrs {
		states[addr] = health.NewState(true, time.Hour, 1)
	}
	return &BackendPool{
		name:   "test",
		ring:   ring,
		allIDs: ring.Members(),
		states: states,
	}
}

func dispatchFor(slotID int, args ...string) mqueue.Dispatch[resp.Message] {
	argv := make([][]byte, len(args))
	for i, a := range args {
		argv[i] = []byte(a)
	}
	return mqueue.Dispatch[resp.Message]{SlotID: slotID, Msg: resp.Message{Args: argv}}
}

func TestBackendPoolRouteGroupsByShard(t *testing.T) {
	p := newTestRingPool("host-a:6379", "host-b:6379", "host-c:6379")

	items := []mqueue.Dispatch[resp.Message]{
		dispatchFor(0, "GET", "alpha"),
		dispatchFor(1, "GET", "beta"),
		dispatchFor(2, "GET", "gamma"),
		dispatchFor(3, "GET", "delta"),
	}

	groups := p.Route(items)

	seen := make(map[int]string)
	total := 0
	for addr, group := range groups {
		for _, item := range group {
			seen[item.SlotID] = addr
			total++
		}
	}
	if total != len(items) {
		t.Fatalf("Route dropped items: got %d grouped, want %d", total, len(items))
	}
	for _, item := range items {
		addr, ok := seen[item.SlotID]
		if !ok {
			t.Fatalf("slot %d missing from any group", item.SlotID)
		}
		want := p.addrFor(item.Msg)
		if addr != want {
			t.Fatalf("slot %d grouped under %s, want %s", item.SlotID, addr, want)
		}
	}
}

func TestBackendPoolRouteIsStableForSameKey(t *testing.T) {
	p := newTestRingPool("host-a:6379", "host-b:6379", "host-c:6379")

	first := p.addrFor(resp.Message{Args: [][]byte{[]byte("GET"), []byte("same-key")}})
	for i := 0; i < 20; i++ {
		got := p.addrFor(resp.Message{Args: [][]byte{[]byte("GET"), []byte("same-key")}})
		if got != first {
			t.Fatalf("addrFor(\"same-key\") = %s on call %d, want stable %s", got, i, first)
		}
	}
}

func TestBackendPoolAddrForFallsBackToFirstMemberWithoutKey(t *testing.T) {
	p := newTestRingPool("host-a:6379", "host-b:6379")

	members := p.ring.Members()
	if len(members) == 0 {
		t.Fatal("ring has no members")
	}

	// A message with no extractable key (Key() reports ok=false) must still
	// route somewhere rather than being silently dropped — specifically to
	// the ring's first (sorted) member.
	addr := p.addrFor(resp.Message{Args: [][]byte{[]byte("PING")}})
	if addr != members[0] {
		t.Fatalf("addrFor fell back to %s, want first member %s", addr, members[0])
	}
}

// TestBackendPoolCooloffFailsOverRouting: a backend that enters cool-off
// drops out of the ring, its keys fail over to a surviving member, and it
// rejoins (so it can be retried) once the cool-off expires.
func TestBackendPoolCooloffFailsOverRouting(t *testing.T) {
	p := newTestRingPool("host-a:6379", "host-b:6379", "host-c:6379")

	key := resp.Message{Args: [][]byte{[]byte("GET"), []byte("two")}}
	home := p.addrFor(key)

	p.states[home] = health.NewState(true, 20*time.Millisecond, 1)
	p.states[home].RecordError()
	p.rebuildRing()

	failover := p.addrFor(key)
	if failover == home {
		t.Fatalf("expected the key to fail over away from cooling backend %s", home)
	}
	if _, ok := p.states[failover]; !ok {
		t.Fatalf("failover target %s is not a pool member", failover)
	}

	// A second rebuild while still cooling must not flap the assignment.
	p.rebuildRing()
	if got := p.addrFor(key); got != failover {
		t.Fatalf("expected stable failover assignment %s, got %s", failover, got)
	}

	time.Sleep(40 * time.Millisecond)
	if !p.states[home].IsHealthy() {
		t.Fatalf("expected %s to leave cool-off after the period elapsed", home)
	}
	p.rebuildRing()
	if got := p.addrFor(key); got != home {
		t.Fatalf("expected the key to return to %s after recovery, got %s", home, got)
	}
}

// TestBackendPoolAllCoolingKeepsFullMembership: with every backend in
// cool-off the ring keeps the full population — each request still routes
// somewhere and surfaces an error, instead of stalling with nowhere to go.
func TestBackendPoolAllCoolingKeepsFullMembership(t *testing.T) {
	p := newTestRingPool("host-a:6379", "host-b:6379")

	for _, st := range p.states {
		st.RecordError()
	}
	p.rebuildRing()

	if got := len(p.ring.Members()); got != 2 {
		t.Fatalf("expected the full membership to stay routable, got %d members", got)
	}
}
