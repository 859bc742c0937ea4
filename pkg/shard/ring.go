package shard

import (
	"sort"
	"sync"

	rendezvous "github.com/dgryski/go-rendezvous"
)

// Ring mapeia chaves de clientes para um identificador de backend usando hashing
// por rendezvous (highest random weight), com a mesma garantia de um anel
// Ketama: baixo churn quando um backend entra ou sai — apenas as chaves
// que pertenciam àquele backend são remapeadas, as demais permanecem no
// mesmo destino.
//
// go-rendezvous é a mesma biblioteca que o cliente Ring do go-redis usa
// internamente para espalhar chaves entre shards; aqui ela é promovida a
// dependência direta porque o proxy precisa do índice do shard antes de
// decidir para qual *backend.Backend* enviar cada sub-lote, não apenas de
// um cliente Redis já pronto.
type Ring struct {
	mu  sync.RWMutex
	rdv *rendezvous.Rendezvous
	ids []string
}

func hashString(s string) uint64 {
	var h uint64 = fnvOffset
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}

const (
	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

// NewRing constrói um anel a partir da lista ordenada de identificadores de
// backend (tipicamente `Descriptor.ID()`).
func NewRing(ids []string) *Ring {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return &Ring{
		rdv: rendezvous.New(sorted, hashString),
		ids: sorted,
	}
}

// Rebuild reconstrói o anel com um novo conjunto de membros, usado quando o
// conjunto de backends roteáveis muda — o BackendPool o chama quando um
// backend entra ou sai de cool-off. A operação é O(n) no número de backends, não no número de
// chaves já roteadas.
func (r *Ring) Rebuild(ids []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	r.mu.Lock()
	r.rdv = rendezvous.New(sorted, hashString)
	r.ids = sorted
	r.mu.Unlock()
}

// Lookup retorna o identificador de backend responsável pela chave.
func (r *Ring) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.rdv.Lookup(string(key))
}

// Members retorna a lista atual de identificadores de backend no anel.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
