package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/richinsley/comfypanel/graphapi"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")
@routes.get("/ws")

@routes.post("/prompt")
*/

// APIError is returned when the backend answers with a non-success status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	NodeErrors map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (c *ComfyClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// mmm-k, is it one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {}
		// }
		perror := &PromptErrorMessage{}
		if json.Unmarshal(body, perror) == nil && perror.Error.Message != "" {
			apiErr.Type = perror.Error.Type
			apiErr.Message = perror.Error.Message
			apiErr.NodeErrors = perror.NodeErrors
		} else {
			slog.Debug("unrecognised error body", "status", resp.StatusCode, "body", string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetQueue returns how many prompts the backend is running and has pending.
func (c *ComfyClient) GetQueue(ctx context.Context) (*QueueStatus, error) {
	retv := &QueueStatus{}
	if err := c.getJSON(ctx, "/queue", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetHistory returns the history entry for a prompt. The boolean is false
// while the backend has no entry for it yet.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	history := make(map[string]*HistoryEntry)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &history); err != nil {
		return nil, false, err
	}
	entry, ok := history[promptID]
	if !ok || entry == nil {
		return nil, false, nil
	}
	entry.PromptID = promptID
	return entry, true, nil
}

// ImageURL returns the address the backend serves an output file from
func (c *ComfyClient) ImageURL(image_data DataOutput) string {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)
	return c.endpoint("/view", params)
}

// GetImage downloads an output file
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(image_data), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// QueuePrompt submits a prompt. If the status channel is open the returned
// item receives its execution messages on Messages.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*QueueItem, error) {
	if prompt.ClientID == "" {
		prompt.ClientID = c.clientid
	}
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	// prevent a race where the ws may provide messages about a queued item before
	// we add the item to our internal map
	c.mu.Lock()
	defer c.mu.Unlock()
	watched := c.webSocket != nil && c.webSocket.Connected()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("decoding queue response: %w", err)
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("backend did not return a prompt id")
	}
	if watched {
		item.Messages = make(chan PromptMessage, messageBuffer)
		c.queueditems[item.PromptID] = item
	}
	return item, nil
}
