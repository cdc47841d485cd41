package scan

import "context"

// OnScanFunc produces the result for a scanned code.
type OnScanFunc func(ctx context.Context, code string) (Result, error)

// Instruction is one scan mode. Its identity is its pointer.
type Instruction struct {
	Title string
	Icon  string

	// Default marks the instruction the orchestrator falls back to.
	Default bool
	// SingleScan reverts the selection to the default after one scan.
	SingleScan bool
	// ClearLog empties the scan log when the instruction is selected.
	ClearLog bool

	OnScan OnScanFunc
}

// Attach registers the instruction with its orchestrator.
func (i *Instruction) Attach(o *Orchestrator) {
	o.AddInstruction(i)
}

func (i *Instruction) String() string {
	if i == nil {
		return "<none>"
	}
	return i.Title
}
