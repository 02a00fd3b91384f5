// Package catalog declares the per-tool mappings from DCMTK textual output
// to named domain events.
package catalog

import (
	"fmt"
	"strings"
)

// Tool identifies a wrapped DCMTK binary.
type Tool int

const (
	StoreSCP Tool = iota // storescp: storage Service Class Provider (listener)
	StoreSCU             // storescu: sends composite objects to a peer
	EchoSCU              // echoscu: C-ECHO verification (DICOM ping)
	FindSCU              // findscu: C-FIND query client
	MoveSCU              // movescu: C-MOVE retrieve client
)

// String returns the tool's binary name.
func (t Tool) String() string {
	switch t {
	case StoreSCP:
		return "storescp"
	case StoreSCU:
		return "storescu"
	case EchoSCU:
		return "echoscu"
	case FindSCU:
		return "findscu"
	case MoveSCU:
		return "movescu"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known tools.
func (t Tool) Valid() bool {
	switch t {
	case StoreSCP, StoreSCU, EchoSCU, FindSCU, MoveSCU:
		return true
	default:
		return false
	}
}

// AllTools lists every wrapped binary, in a stable order.
func AllTools() []Tool {
	return []Tool{StoreSCP, StoreSCU, EchoSCU, FindSCU, MoveSCU}
}

// ParseTool maps a binary name to its Tool value.
func ParseTool(name string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "storescp":
		return StoreSCP, nil
	case "storescu":
		return StoreSCU, nil
	case "echoscu":
		return EchoSCU, nil
	case "findscu":
		return FindSCU, nil
	case "movescu":
		return MoveSCU, nil
	default:
		return 0, fmt.Errorf("unknown tool %q", name)
	}
}
