package domain

// Envelope is the structured message unit exchanged between execution contexts.
type Envelope struct {
	Action      string `json:"action"`
	MessageID   string `json:"messageId"`
	Timestamp   int64  `json:"timestamp"`
	RequiresAck bool   `json:"requiresAck"`
	Payload     any    `json:"payload,omitempty"`
	// Source names the sending context so acks and responses can be
	// routed back over transports without an implicit reply channel.
	Source ContextID `json:"source,omitempty"`
	// Error carries the failure reason on nack envelopes.
	Error string `json:"error,omitempty"`
}

// Protocol actions.
const (
	ActionAck      = "ack"
	ActionNack     = "nack"
	ActionResponse = "response"
)

// Popup <-> background actions.
const (
	ActionStartExport    = "startExport"
	ActionStopExport     = "stopExport"
	ActionGetStatus      = "getStatus"
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionCheckAuth      = "checkAuth"
	ActionGetCredits     = "getCredits"
	ActionProgressUpdate = "progressUpdate"
	ActionExportComplete = "exportComplete"
	ActionExportError    = "exportError"
)

// Background <-> content actions.
const (
	ActionStartScraping = "startScraping"
	ActionStopScraping  = "stopScraping"
	ActionGetPageInfo   = "getPageInfo"
)

// Browser shell events delivered to the background context.
const (
	ActionTabClosed    = "tabClosed"
	ActionTabNavigated = "tabNavigated"
)

// IsProtocol reports whether the action is a protocol-level message
// (ack, nack, response) rather than an application command.
func (e *Envelope) IsProtocol() bool {
	switch e.Action {
	case ActionAck, ActionNack, ActionResponse:
		return true
	}
	return false
}
