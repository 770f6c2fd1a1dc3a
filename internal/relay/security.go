package relay

import "fmt"

// SecurityLevel is the ordered strength of a wireless link.
type SecurityLevel uint32

const (
	LevelNone SecurityLevel = iota
	LevelEncrypted
	LevelAuthenticated
	LevelAuthorized
)

// MinRelayLevel is the lowest level allowed to exchange data.
const MinRelayLevel = LevelAuthenticated

func (l SecurityLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelEncrypted:
		return "encrypted"
	case LevelAuthenticated:
		return "authenticated"
	case LevelAuthorized:
		return "authorized"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// Permits reports whether l is enough to relay data.
func (l SecurityLevel) Permits() bool { return l >= MinRelayLevel }
