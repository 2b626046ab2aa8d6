package recipients

import (
	"fmt"
	"strings"
)

// Channel is a user's notification preference.
type Channel string

const (
	ChannelSingle Channel = "single"
	ChannelDigest Channel = "digest"
	ChannelNone   Channel = "none"
)

// ParseChannel accepts any letter case so legacy "Single"/"Digest" rows load.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelSingle, ChannelDigest, ChannelNone:
		return c, nil
	}
	return "", fmt.Errorf("unknown notification channel %q", s)
}

type User struct {
	ID      int64
	Name    string
	Email   string
	Channel Channel
}

// Recipients is the outcome of resolving one record. Both slices are sorted
// by ID and disjoint.
type Recipients struct {
	Single []User
	Digest []User
}

func (r Recipients) Empty() bool { return len(r.Single) == 0 && len(r.Digest) == 0 }
