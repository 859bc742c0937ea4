// Package mqueue reimplementa, em cima de um alocador de slots e uma fila
// ordenada, a máquina de remontagem de respostas usada por uma única
// pipeline de cliente: cada comando recebido pode virar um ou mais
// sub-comandos endereçados a backends diferentes, e as respostas precisam
// voltar ao cliente na ordem original mesmo que os fragmentos cheguem fora
// de ordem dos backends.
package mqueue

// StateKind identifica a variante de State associada a um slot da fila.
type StateKind int

const (
	// Standalone é uma mensagem não fragmentada comum: o slot é enviado ao
	// cliente assim que preenchido.
	Standalone StateKind = iota

	// Inline é uma mensagem não fragmentada já disponível no instante do
	// enqueue (PING, comandos tratados sem ida a um backend) — ao contrário
	// de Standalone, nunca espera um preenchimento posterior.
	Inline

	// Fragmented marca um fragmento discreto de uma mensagem pai que só
	// pode ser respondida depois que todos os seus irmãos chegarem, para
	// então serem recombinados via Processor.DefragmentMessages.
	Fragmented

	// StreamingFragmented marca um fragmento de uma mensagem pai
	// "transmissível": como os fragmentos preservam ordem, podem ser
	// emitidos um a um assim que prontos, precedidos por um cabeçalho
	// opcional que só acompanha o primeiro fragmento.
	StreamingFragmented
)

// State descreve como um slot enfileirado deve ser tratado quando chega sua
// vez de ser drenado: se pode sair sozinho, ou se precisa esperar e se
// recombinar com irmãos.
type State struct {
	Kind StateKind

	// ParentKey identifica a mensagem pai de um fragmento (usado apenas em
	// Fragmented/StreamingFragmented) — geralmente a mensagem completa do
	// cliente antes da fragmentação.
	ParentKey []byte

	// Index e Count localizam este fragmento dentro do grupo da mensagem
	// pai (usado apenas em Fragmented/StreamingFragmented).
	Index int
	Count int

	// Header, quando não-nil, é emitido antes do primeiro fragmento de uma
	// mensagem StreamingFragmented (por exemplo, o cabeçalho de array de um
	// MGET cujo corpo é transmitido fragmento a fragmento).
	Header []byte

	// Suppressed marks a slot whose eventual bytes must never reach the
	// client (CLIENT REPLY OFF/SKIP): the slot still occupies its place in
	// the ordered queue and still goes through the normal
	// fill/drain/defragment machinery, it just never contributes bytes
	// when its turn at the head comes up.
	Suppressed bool
}

// NewStandalone builds the State for an unfragmented message sent as-is
// once its slot is filled.
func NewStandalone() State { return State{Kind: Standalone} }

// NewInline builds the State for a message that is already complete at
// enqueue time (no backend round-trip needed).
func NewInline() State { return State{Kind: Inline} }

// NewFragmented builds the State for one piece of a parent message that
// must wait for all Count siblings before it can be defragmented.
func NewFragmented(parentKey []byte, index, count int) State {
	return State{Kind: Fragmented, ParentKey: parentKey, Index: index, Count: count}
}

// NewStreamingFragmented builds the State for one piece of a streamable
// parent message, optionally preceded by header bytes emitted only once
// (attached to the first fragment).
func NewStreamingFragmented(header []byte, index, count int) State {
	return State{Kind: StreamingFragmented, Header: header, Index: index, Count: count}
}
