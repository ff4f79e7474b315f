package models

// Message types sent from the orchestrator to the on-page selection UI
const (
	MsgStartSelection = "start_selection"
	MsgHide           = "hide"
	MsgShowError      = "show_error"
)

// Message types received from the on-page selection UI
const (
	MsgReady  = "ready"
	MsgSave   = "save"
	MsgCancel = "cancel"
	MsgHideUI = "hide_ui"
)

// UIMessage is the envelope exchanged with the selection overlay
type UIMessage struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Rect    *SelectionRect `json:"rect,omitempty"`
}

// ActivationRequest is a host page's request to begin the capture workflow
type ActivationRequest struct {
	TabID        string `json:"tabId"`
	TargetURL    string `json:"targetUrl"`
	ReturnURL    string `json:"returnUrl"`
	UploadTarget string `json:"uploadTarget"`
	AuthToken    string `json:"authToken,omitempty"`
}
