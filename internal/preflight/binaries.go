package preflight

import (
	"os/exec"
	"strings"
)

// Binary is an external executable a run may invoke.
type Binary struct {
	Name     string
	Command  string
	Optional bool
}

// BinaryStatus is the PATH lookup outcome for one Binary.
type BinaryStatus struct {
	Binary
	Path   string
	Detail string
}

// Available reports whether the command resolved to an executable.
func (s BinaryStatus) Available() bool { return s.Path != "" }

// LookupBinaries resolves each command on PATH (or as a literal path).
func LookupBinaries(bins []Binary) []BinaryStatus {
	out := make([]BinaryStatus, len(bins))
	for i, b := range bins {
		b.Command = strings.TrimSpace(b.Command)
		out[i] = BinaryStatus{Binary: b}
		if b.Command == "" {
			out[i].Detail = "command not configured"
			continue
		}
		path, err := exec.LookPath(b.Command)
		if err != nil {
			out[i].Detail = "binary " + b.Command + " not found on PATH"
			continue
		}
		out[i].Path = path
	}
	return out
}

func missingRequired(statuses []BinaryStatus) []string {
	var missing []string
	for _, s := range statuses {
		if !s.Available() && !s.Optional {
			missing = append(missing, s.Command)
		}
	}
	return missing
}
