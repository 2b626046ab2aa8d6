package history

import (
	"errors"
	"fmt"
)

// ErrUnmappedAccess rejects a mutation whose participation access symbol has
// no canonical level.
var ErrUnmappedAccess = errors.New("unmapped participation access")

// Level is a canonical access level as stored in record details.
type Level string

const (
	LevelRead  Level = "read"
	LevelWrite Level = "write"
	LevelFull  Level = "full"
)

// participations say view/edit/admin; access control says read/write/full.
var levelFromSymbol = map[string]Level{
	"view":  LevelRead,
	"edit":  LevelWrite,
	"admin": LevelFull,
}

// LevelFromParticipation translates a participation access symbol. Any
// symbol outside view/edit/admin, including the empty one and other
// spellings of them, is an error.
func LevelFromParticipation(sym string) (Level, error) {
	if l, ok := levelFromSymbol[sym]; ok {
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappedAccess, sym)
}
