// Package identifier implements the tagged {kind, value} identifier used
// to decide whether a reconnect attempt may reclaim a subdomain during
// its grace period (spec.md §3 "Identifier lifecycle").
package identifier

// Kind distinguishes how a Client's owner was identified.
type Kind int

const (
	// KindIP identifies a caller by source IP address.
	KindIP Kind = iota
	// KindToken identifies a caller by an opaque client-supplied token.
	KindToken
)

func (k Kind) String() string {
	if k == KindToken {
		return "token"
	}
	return "ip"
}

// Identifier is an immutable tagged value. No mutation after construction.
type Identifier struct {
	Kind  Kind
	Value string
}

// FromIP builds an IP-kind identifier.
func FromIP(ip string) Identifier {
	return Identifier{Kind: KindIP, Value: ip}
}

// FromToken builds a token-kind identifier.
func FromToken(token string) Identifier {
	return Identifier{Kind: KindToken, Value: token}
}

// Equal compares by (kind, value) equality, per spec.md §3.
func (id Identifier) Equal(other Identifier) bool {
	return id.Kind == other.Kind && id.Value == other.Value
}
