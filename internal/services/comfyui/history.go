package comfyui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"vidax/internal/services"
)

// Artifact is one output file reported by the backend.
type Artifact struct {
	Node      string `json:"node"`
	Kind      string `json:"kind"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
}

// Query returns the /view query string for the artifact.
func (a Artifact) Query() string {
	values := url.Values{}
	values.Set("filename", a.Filename)
	values.Set("subfolder", a.Subfolder)
	kind := a.Type
	if kind == "" {
		kind = "output"
	}
	values.Set("type", kind)
	return values.Encode()
}

// IsVideo reports whether the artifact is a video rather than a still frame.
func (a Artifact) IsVideo() bool {
	switch a.Kind {
	case "videos", "gifs":
		return true
	}
	switch strings.ToLower(path.Ext(a.Filename)) {
	case ".mp4", ".webm", ".mov", ".mkv", ".gif":
		return true
	}
	return false
}

// HistoryEntry is the parsed history record of one prompt.
type HistoryEntry struct {
	Completed     bool
	Failed        bool
	StatusMessage string
	Artifacts     []Artifact
}

var knownOutputKeys = []string{"images", "gifs", "videos"}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// ParseHistory decodes a /history/{id} payload. It returns found=false when
// the payload has no entry for promptID.
func ParseHistory(promptID string, data []byte) (HistoryEntry, bool, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return HistoryEntry{}, false, badHistory("history is not an object", err)
	}
	raw, ok := top[promptID]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return HistoryEntry{}, false, nil
	}
	var record struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
		Status  *historyStatus                         `json:"status"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return HistoryEntry{}, false, badHistory("history entry malformed", err)
	}

	var entry HistoryEntry
	if record.Status != nil {
		entry.Completed = record.Status.Completed || record.Status.StatusStr == "success"
		if record.Status.StatusStr == "error" {
			entry.Failed = true
			entry.Completed = false
			entry.StatusMessage = executionError(record.Status.Messages)
		}
	}

	nodes := make([]string, 0, len(record.Outputs))
	for node := range record.Outputs {
		nodes = append(nodes, node)
	}
	slices.SortFunc(nodes, compareNodeIDs)
	index := 0
	for _, node := range nodes {
		outputs := record.Outputs[node]
		keys := make([]string, 0, len(outputs))
		for key := range outputs {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			value := bytes.TrimSpace(outputs[key])
			isArray := len(value) > 0 && value[0] == '['
			if !isArray {
				return HistoryEntry{}, false, badHistory(fmt.Sprintf("node %s output %q is not an array", node, key), nil)
			}
			var items []json.RawMessage
			if err := json.Unmarshal(value, &items); err != nil {
				return HistoryEntry{}, false, badHistory(fmt.Sprintf("node %s output %q malformed", node, key), err)
			}
			known := slices.Contains(knownOutputKeys, key)
			for _, item := range items {
				var a Artifact
				if err := json.Unmarshal(item, &a); err != nil || strings.TrimSpace(a.Filename) == "" {
					if known {
						return HistoryEntry{}, false, badHistory(fmt.Sprintf("node %s %s entry lacks filename", node, key), err)
					}
					continue
				}
				a.Node = node
				a.Kind = key
				a.Index = index
				index++
				entry.Artifacts = append(entry.Artifacts, a)
			}
		}
	}
	return entry, true, nil
}

func executionError(messages []json.RawMessage) string {
	for _, raw := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var data struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &data); err == nil {
			msg := strings.TrimSpace(data.ExceptionMessage)
			if data.NodeType != "" {
				msg = data.NodeType + ": " + msg
			}
			return msg
		}
	}
	return "execution failed"
}

func compareNodeIDs(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai - bi
	}
	return strings.Compare(a, b)
}

func badHistory(msg string, err error) error {
	if err == nil {
		return services.New(services.CodeGenerationBadResponse, msg, nil)
	}
	return services.Wrap(services.CodeGenerationBadResponse, msg, err, nil)
}
