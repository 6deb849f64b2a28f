package client

import "log/slog"

type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
	// Messages is nil unless the status channel was open when the item was queued.
	Messages chan PromptMessage `json:"-"`
}

// Watched returns true if the item receives pushed status messages
func (qi *QueueItem) Watched() bool {
	return qi.Messages != nil
}

// deliver never blocks the websocket reader; a consumer that stopped
// reading loses messages rather than stalling every other item.
func (qi *QueueItem) deliver(m PromptMessage) {
	if qi.Messages == nil {
		return
	}
	select {
	case qi.Messages <- m:
	default:
		slog.Warn("dropping status message, queue item is not reading", "prompt_id", qi.PromptID, "type", m.Type)
	}
}
