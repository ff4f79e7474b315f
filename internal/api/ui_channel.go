package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/snaprelay/snaprelay/internal/messenger"
	"github.com/snaprelay/snaprelay/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// sessionWorkflow is the slice of the orchestrator the UI channel drives
type sessionWorkflow interface {
	Ready(ctx context.Context, tabID string)
	Save(ctx context.Context, tabID string, rect models.SelectionRect) error
	Cancel(ctx context.Context, tabID string)
	HideAll()
}

// UIChannelHandler upgrades selection-overlay connections and relays
// their signals into the workflow orchestrator.
type UIChannelHandler struct {
	orch sessionWorkflow
	hub  *messenger.Hub
}

// NewUIChannelHandler creates the websocket endpoint for overlay UIs
func NewUIChannelHandler(orch sessionWorkflow, hub *messenger.Hub) *UIChannelHandler {
	return &UIChannelHandler{orch: orch, hub: hub}
}

// Handle serves GET /v1/tabs/{id}/ui. The tab identity of every
// inbound signal is taken from the channel binding, never from the
// message body, so a page cannot speak for another tab.
func (h *UIChannelHandler) Handle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tabID := vars["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade UI channel for tab %s: %v", tabID, err)
		return
	}
	defer conn.Close()

	h.hub.Register(tabID, conn)
	defer h.hub.Unregister(tabID, conn)

	log.Printf("Selection UI connected for tab %s", tabID)

	for {
		var msg models.UIMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("UI channel error for tab %s: %v", tabID, err)
			}
			return
		}

		switch msg.Type {
		case models.MsgReady:
			h.orch.Ready(context.Background(), tabID)
		case models.MsgSave:
			if msg.Rect == nil {
				continue
			}
			rect := *msg.Rect
			// Capture and upload are slow; keep the read loop responsive.
			go func() {
				if err := h.orch.Save(context.Background(), tabID, rect); err != nil {
					log.Printf("Save for tab %s failed: %v", tabID, err)
				}
			}()
		case models.MsgCancel:
			h.orch.Cancel(context.Background(), tabID)
		case models.MsgHideUI:
			h.orch.HideAll()
		}
	}
}
