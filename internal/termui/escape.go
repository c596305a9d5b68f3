package termui

const (
	// EscapeKey is Ctrl+], the telnet convention.
	EscapeKey      = 0x1D
	escapeQuit     = 'q'
	escapeEndGrant = 'e'
)

type Action int

const (
	ActionQuit Action = iota + 1
	ActionEndElevation
)

// EscapeDetector strips local escape sequences from keyboard input:
// Ctrl+] q quits, Ctrl+] e ends the elevation grant, and Ctrl+] Ctrl+]
// sends a literal Ctrl+]. The sequence may be split across reads.
type EscapeDetector struct {
	pending bool
}

// Filter returns the bytes to forward and the actions found, in order.
// Input after a quit is discarded.
func (d *EscapeDetector) Filter(p []byte) ([]byte, []Action) {
	out := make([]byte, 0, len(p))
	var actions []Action
	for _, b := range p {
		if d.pending {
			d.pending = false
			switch b {
			case escapeQuit:
				return out, append(actions, ActionQuit)
			case escapeEndGrant:
				actions = append(actions, ActionEndElevation)
			case EscapeKey:
				out = append(out, EscapeKey)
			default:
				out = append(out, EscapeKey, b)
			}
			continue
		}
		if b == EscapeKey {
			d.pending = true
			continue
		}
		out = append(out, b)
	}
	return out, actions
}
