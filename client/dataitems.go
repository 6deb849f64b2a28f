package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// There may be other DataOutput types.  We definitely need a text type

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Text      string `json:"-"` // for "text" type data output
}

// IsFile reports whether the output refers to a file retrievable through /view
func (d DataOutput) IsFile() bool {
	return d.Filename != "" && d.Type != "text" && d.Type != "unknown"
}

// decodeOutputList decodes an output list that mixes file references and raw text.
func decodeOutputList(raw json.RawMessage) ([]DataOutput, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	retv := make([]DataOutput, 0, len(items))
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			retv = append(retv, DataOutput{Type: "text", Text: text})
			continue
		}
		var out DataOutput
		if err := json.Unmarshal(item, &out); err != nil {
			retv = append(retv, DataOutput{Type: "unknown", Text: string(item)})
			continue
		}
		if out.Filename == "" || out.Type == "" {
			continue
		}
		retv = append(retv, out)
	}
	return retv, nil
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
	RAMTotal       int64  `json:"ram_total"`
	RAMFree        int64  `json:"ram_free"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// QueueStatus holds the number of prompts the backend is running and has waiting.
type QueueStatus struct {
	Running int
	Pending int
}

// Empty is true when the backend has nothing running and nothing waiting
func (q QueueStatus) Empty() bool {
	return q.Running == 0 && q.Pending == 0
}

func (q *QueueStatus) UnmarshalJSON(b []byte) error {
	// each queue entry is [number, prompt_id, prompt, extra_data, outputs]; we only count them
	var temp struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}
	q.Running = len(temp.Running)
	q.Pending = len(temp.Pending)
	return nil
}

type HistoryStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  [][]interface{} `json:"messages"`
}

// Failed is true when the backend recorded an execution error for the prompt
func (s HistoryStatus) Failed() bool {
	return s.StatusStr == "error"
}

// ErrorMessage digs the exception text out of the status messages, if present.
func (s HistoryStatus) ErrorMessage() string {
	for _, m := range s.Messages {
		if len(m) != 2 || m[0] != "execution_error" {
			continue
		}
		if data, ok := m[1].(map[string]interface{}); ok {
			if msg, ok := data["exception_message"].(string); ok {
				return msg
			}
		}
	}
	return ""
}

// NodeOutput is the output of one node, as recorded in the prompt history.
type NodeOutput struct {
	NodeID string
	Data   map[string][]DataOutput
}

// HistoryEntry is the record the backend keeps for a finished prompt.
// Outputs keep the order in which the backend listed them.
type HistoryEntry struct {
	PromptID string
	Outputs  []NodeOutput
	Status   HistoryStatus
}

// Images returns every image output, in backend order.
func (h *HistoryEntry) Images() []DataOutput {
	retv := make([]DataOutput, 0)
	for _, o := range h.Outputs {
		for _, img := range o.Data["images"] {
			if img.IsFile() {
				retv = append(retv, img)
			}
		}
	}
	return retv
}

func (h *HistoryEntry) UnmarshalJSON(b []byte) error {
	var temp struct {
		Outputs json.RawMessage `json:"outputs"`
		Status  HistoryStatus   `json:"status"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}
	h.Status = temp.Status
	if len(temp.Outputs) == 0 {
		return nil
	}
	outputs, err := decodeNodeOutputs(temp.Outputs)
	if err != nil {
		return err
	}
	h.Outputs = outputs
	return nil
}

// decodeNodeOutputs walks the outputs object token by token so the node
// order of the response survives; a map would lose it.
func decodeNodeOutputs(raw json.RawMessage) ([]NodeOutput, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil { // consume opening brace
		return nil, err
	}

	retv := make([]NodeOutput, 0)
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil, err
		}
		nodeID, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in history outputs", t)
		}

		var byKind map[string]json.RawMessage
		if err := dec.Decode(&byKind); err != nil {
			return nil, err
		}
		out := NodeOutput{NodeID: nodeID, Data: make(map[string][]DataOutput)}
		for kind, list := range byKind {
			items, err := decodeOutputList(list)
			if err != nil {
				// outputs such as "animated": [false] are not lists of files
				continue
			}
			out.Data[kind] = items
		}
		retv = append(retv, out)
	}
	return retv, nil
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}
