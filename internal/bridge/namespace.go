package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates a server name from a tool name in an external tool
// name, e.g. "filesystem__read_file".
const Delimiter = "__"

// ErrInvalidToolName is returned when an external tool name cannot be
// resolved to a (server, tool) pair.
var ErrInvalidToolName = errors.New("invalid tool name format")

// Mode selects how a bridge session exposes the daemon's servers.
type Mode int

const (
	// ModeUnified exposes every server behind one namespaced catalog.
	ModeUnified Mode = iota
	// ModeIndividual exposes exactly one server, namespacing optional.
	ModeIndividual
)

func (m Mode) String() string {
	if m == ModeIndividual {
		return "individual"
	}
	return "unified"
}

// EncodeToolName projects a (server, tool) pair onto its externally visible
// name. Unified mode always namespaces; individual mode namespaces only when
// requested.
func EncodeToolName(server, tool string, mode Mode, namespaced bool) string {
	if mode == ModeIndividual && !namespaced {
		return tool
	}
	return server + Delimiter + tool
}

// DecodeToolName resolves an external tool name back to (server, tool).
// fixedServer is the single target in individual mode; it also serves as a
// fallback for delimiterless names in that mode.
func DecodeToolName(name string, mode Mode, namespaced bool, fixedServer string) (server, tool string, err error) {
	if mode == ModeIndividual && !namespaced {
		return fixedServer, name, nil
	}

	if strings.Count(name, Delimiter) > 1 {
		return "", "", fmt.Errorf("%w: %q contains %q more than once", ErrInvalidToolName, name, Delimiter)
	}

	parts := strings.SplitN(name, Delimiter, 2)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1], nil
	}

	// Delimiterless (or half-empty) name: only individual mode may route the
	// whole string to its fixed target. Unified mode has no target to guess,
	// and guessing one would silently misroute the call.
	if mode == ModeIndividual && fixedServer != "" {
		return fixedServer, name, nil
	}
	return "", "", fmt.Errorf("%w: %q does not split into server%stool", ErrInvalidToolName, name, Delimiter)
}
