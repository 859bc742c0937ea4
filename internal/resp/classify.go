package resp

import "strings"

// Class descreve como um comando deve ser tratado pelo pipeline: roteado
// diretamente por uma única chave, fragmentado em múltiplas sub-mensagens
// por chave, respondido inline sem tocar um backend, ou rejeitado.
type Class int

const (
	// ClassRoutable é encaminhado a um único backend, escolhido pela sua
	// única chave (GET, SET, EXISTS, INCR, ...).
	ClassRoutable Class = iota
	// ClassFragmentable é dividido em uma sub-mensagem por chave, cada uma
	// roteada independentemente e depois recombinada (MGET, MSET, DEL).
	ClassFragmentable
	// ClassInline é respondido pelo próprio pipeline sem jamais tocar um
	// backend (PING com ou sem argumento, QUIT, CLIENT com qualquer
	// subcomando).
	ClassInline
	// ClassUnsupported gera uma resposta de erro imediata.
	ClassUnsupported
)

// commandTable mapeia nomes de comando (maiúsculos) para sua classe e,
// quando aplicável, o stride usado para extrair chaves (1 para MGET/DEL,
// 2 para MSET).
var commandTable = map[string]struct {
	class  Class
	stride int
}{
	"GET":    {ClassRoutable, 0},
	"SET":    {ClassRoutable, 0},
	"EXISTS": {ClassRoutable, 0},
	"INCR":   {ClassRoutable, 0},
	"DECR":   {ClassRoutable, 0},
	"APPEND": {ClassRoutable, 0},
	"EXPIRE": {ClassRoutable, 0},
	"TTL":    {ClassRoutable, 0},
	"TYPE":   {ClassRoutable, 0},

	"MGET": {ClassFragmentable, 1},
	"DEL":  {ClassFragmentable, 1},
	"MSET": {ClassFragmentable, 2},

	"PING":      {ClassInline, 0},
	"QUIT":      {ClassInline, 0},
	"CLIENT":    {ClassInline, 0},
	"SUBSCRIBE": {ClassUnsupported, 0},
	"MULTI":     {ClassUnsupported, 0},
	"EXEC":      {ClassUnsupported, 0},
}

// Classify determina a classe de tratamento de uma mensagem e, quando
// fragmentável, o stride de chaves a usar.
func Classify(m Message) (Class, int) {
	entry, ok := commandTable[m.Command()]
	if !ok {
		return ClassUnsupported, 0
	}
	return entry.class, entry.stride
}

// ClientReplyMode recognizes "CLIENT REPLY ON|OFF|SKIP" and returns the
// requested mode in upper case. Any other CLIENT subcommand (or a message
// that isn't CLIENT at all) reports ok=false and is answered with a plain
// +OK by buildInlineReply.
func ClientReplyMode(m Message) (mode string, ok bool) {
	if len(m.Args) < 3 || !EqualFoldCommand(m, "CLIENT") {
		return "", false
	}
	if !strings.EqualFold(string(m.Args[1]), "REPLY") {
		return "", false
	}
	switch strings.ToUpper(string(m.Args[2])) {
	case "ON":
		return "ON", true
	case "OFF":
		return "OFF", true
	case "SKIP":
		return "SKIP", true
	default:
		return "", false
	}
}
