package graphapi

import (
	"encoding/json"
	"fmt"
)

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID string                `json:"client_id"`
	Nodes    map[string]PromptNode `json:"prompt"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64, int, int64
	//	string
	//	Link, which serializes as ["<target node>", <slot index>]
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// Link references an output slot of another node in the same prompt.
type Link struct {
	NodeID string
	Slot   int
}

func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{l.NodeID, l.Slot})
}

func (l *Link) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("link must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &l.NodeID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &l.Slot)
}

// NodesOfType returns the ids of every node with the given class type.
func (p *Prompt) NodesOfType(classType string) []string {
	retv := make([]string, 0)
	for id, n := range p.Nodes {
		if n.ClassType == classType {
			retv = append(retv, id)
		}
	}
	return retv
}

// Input returns the named input of a node, or nil if either is absent
func (p *Prompt) Input(nodeID string, name string) interface{} {
	n, ok := p.Nodes[nodeID]
	if !ok {
		return nil
	}
	return n.Inputs[name]
}

func link(node string, slot int) Link {
	return Link{NodeID: node, Slot: slot}
}
