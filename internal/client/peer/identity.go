package peer

import (
	"strings"
	"unicode"
)

// defaultDisplayName is used when sanitization leaves nothing usable.
const defaultDisplayName = "Care Device"

// maxDisplayNameLen caps what discovery metadata will carry.
const maxDisplayNameLen = 63

// Identity is the device identity announced to peers. It is passed in at
// construction and refreshed explicitly via Session.SetIdentity; the
// session never reads ambient global state.
type Identity struct {
	DisplayName          string
	AppVersion           string
	SupportsFileTransfer bool
}

func (id Identity) sanitized() Identity {
	id.DisplayName = sanitizeDisplayName(id.DisplayName)
	return id
}

func (id Identity) hello() Hello {
	return Hello{
		DisplayName:          id.DisplayName,
		AppVersion:           id.AppVersion,
		SupportsFileTransfer: id.SupportsFileTransfer,
	}
}

// sanitizeDisplayName strips control and non-printable characters, trims
// whitespace and caps the length, falling back to a fixed name when the
// result is empty.
func sanitizeDisplayName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return defaultDisplayName
	}
	if len(clean) > maxDisplayNameLen {
		runes := []rune(clean)
		if len(runes) > maxDisplayNameLen {
			clean = string(runes[:maxDisplayNameLen])
		}
	}
	return clean
}
