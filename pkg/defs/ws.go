package defs

const (
	ActStart  = "start"  // up
	ActCall   = "call"   // up
	ActHangup = "hangup" // up
	ActState  = "state"  // down, Buttons in data
	ActError  = "error"  // down, message in data
	ActStable = "stable" // down, both endpoints negotiated
)

type WsPload struct {
	Action string `json:"action"`
	Id     string `json:"id,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Buttons is the enable state of the three demo controls.
type Buttons struct {
	Start  bool `json:"start"`
	Call   bool `json:"call"`
	Hangup bool `json:"hangup"`
}
