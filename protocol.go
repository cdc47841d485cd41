package main

// IPCRequest is sent from the CLI client (or a camera decoder) to the daemon.
type IPCRequest struct {
	Code    string `json:"code,omitempty"`    // scan value for /scan
	Title   string `json:"title,omitempty"`   // instruction for /instructions/select
	Message string `json:"message,omitempty"` // camera failure for /camera/error
	Prompt  bool   `json:"prompt,omitempty"`  // ask for a new device on /bluetooth/connect
	Wait    bool   `json:"wait,omitempty"`    // block until the scan has been processed
}

// LogEntry is one scan log line.
type LogEntry struct {
	Result string `json:"result"`
	Level  string `json:"level"` // "success", "warning", "danger"
}

// InstructionInfo describes a registered instruction.
type InstructionInfo struct {
	Title      string `json:"title"`
	Icon       string `json:"icon,omitempty"`
	Default    bool   `json:"default,omitempty"`
	Selected   bool   `json:"selected,omitempty"`
	SingleScan bool   `json:"single_scan,omitempty"`
	ClearLog   bool   `json:"clear_log,omitempty"`
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	State        string            `json:"state,omitempty"`  // "connected", "connecting", "disconnected", "disabled"
	Device       string            `json:"device,omitempty"` // name of the connected scanner
	Instruction  string            `json:"instruction,omitempty"`
	Log          []LogEntry        `json:"log,omitempty"`
	Instructions []InstructionInfo `json:"instructions,omitempty"`
	Suggestion   string            `json:"suggestion,omitempty"`
	Error        string            `json:"error,omitempty"`
}
