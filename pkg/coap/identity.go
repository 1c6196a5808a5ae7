package coap

import (
	"math/rand"
)

// IdentitySource hands out the (message id, token) pair for the next
// outgoing message
type IdentitySource interface {
	Next() Identity
}

// identityGenerator increments a 16-bit message id on every call and draws a
// fresh random token of the configured length. Random state is per-source;
// there is no process-wide generator.
type identityGenerator struct {
	rng       *rand.Rand
	nextMsgID uint16
	tokenSize int
}

// NewIdentityGenerator creates an auto-incrementing identity source. The
// initial message id is drawn from the seeded generator.
func NewIdentityGenerator(seed int64, tokenSize int) IdentitySource {
	if tokenSize > MaxTokenLength {
		tokenSize = MaxTokenLength
	}
	rng := rand.New(rand.NewSource(seed))
	return &identityGenerator{
		rng:       rng,
		nextMsgID: uint16(rng.Uint32()),
		tokenSize: tokenSize,
	}
}

func (g *identityGenerator) Next() Identity {
	token := make([]byte, g.tokenSize)
	for i := range token {
		token[i] = byte(g.rng.Uint32())
	}
	id := Identity{MsgID: g.nextMsgID, Token: Token(token)}
	g.nextMsgID++
	return id
}

// StaticIdentitySource always returns a fixed identity. The server-side
// block path uses it to echo the identity of each incoming request back in
// the corresponding response block.
type StaticIdentitySource struct {
	id Identity
}

func NewStaticIdentitySource(id Identity) *StaticIdentitySource {
	return &StaticIdentitySource{id: id}
}

func (s *StaticIdentitySource) Next() Identity {
	return s.id
}

// Reset replaces the echoed identity
func (s *StaticIdentitySource) Reset(id Identity) {
	s.id = id
}
