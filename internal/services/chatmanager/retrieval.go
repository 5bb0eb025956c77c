package chatmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/graememel-kap/pageindex-web/internal/interfaces"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// Retrieval limits.
const (
	MaxContextNodes        = 6
	MaxContextCharsPerNode = 6000
	MaxContextTotalChars   = 24000
	historyWindow          = 8
)

// Node is one entry of the indexed document tree as loaded from the result
// JSON. Field access goes through the helpers below because the tree is
// produced by an external tool and every field is optional.
type Node = map[string]any

// FlattenTree walks the nested node tree depth-first and returns
// node_id -> node, with ids coerced to strings.
func FlattenTree(structure []any) map[string]Node {
	nodeMap := make(map[string]Node)

	var walk func(raw any)
	walk = func(raw any) {
		node, ok := raw.(map[string]any)
		if !ok {
			return
		}
		if id := anyToString(node["node_id"]); id != "" {
			nodeMap[id] = node
		}
		if children, ok := node["nodes"].([]any); ok {
			for _, child := range children {
				walk(child)
			}
		}
	}

	for _, root := range structure {
		walk(root)
	}
	return nodeMap
}

// treePayloadFields are the node fields forwarded to the selection model.
// Raw text never goes into the tree payload.
var treePayloadFields = map[string]struct{}{
	"title":          {},
	"node_id":        {},
	"summary":        {},
	"prefix_summary": {},
	"start_index":    {},
	"end_index":      {},
	"line_num":       {},
	"nodes":          {},
}

// BuildTreePromptPayload strips each node down to its metadata fields,
// recursing into children and dropping empty child lists.
func BuildTreePromptPayload(structure []any) []map[string]any {
	var clean func(raw any) map[string]any
	clean = func(raw any) map[string]any {
		node, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		cleaned := make(map[string]any)
		for key, value := range node {
			if _, keep := treePayloadFields[key]; !keep {
				continue
			}
			if key == "nodes" {
				children, _ := value.([]any)
				kept := make([]map[string]any, 0, len(children))
				for _, child := range children {
					if c := clean(child); c != nil {
						kept = append(kept, c)
					}
				}
				if len(kept) > 0 {
					cleaned["nodes"] = kept
				}
				continue
			}
			cleaned[key] = value
		}
		return cleaned
	}

	out := make([]map[string]any, 0, len(structure))
	for _, root := range structure {
		if c := clean(root); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// extractJSONText strips optional ``` fences from a model response,
// retaining a fenced block whose content is an object literal. The fence
// language tag ("json") may be present or absent.
func extractJSONText(raw string) string {
	stripped := strings.TrimSpace(raw)
	if !strings.HasPrefix(stripped, "```") {
		return stripped
	}
	for _, part := range strings.Split(stripped, "```") {
		candidate := strings.TrimSpace(part)
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "json"))
		if strings.HasPrefix(candidate, "{") && strings.HasSuffix(candidate, "}") {
			return candidate
		}
	}
	return stripped
}

// ParseSelectionResponse parses the model's node-selection JSON. The output
// is untrusted: the payload must be an object with a string "thinking" and a
// list "node_list"; ids are coerced to strings, deduplicated preserving
// order, restricted to validIDs, and capped at maxNodes.
func ParseSelectionResponse(raw string, validIDs map[string]struct{}, maxNodes int) (string, []string, error) {
	candidate := extractJSONText(raw)

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return "", nil, fmt.Errorf("tree search response must be a JSON object: %w", err)
	}

	var thinking *string
	if raw, ok := payload["thinking"]; !ok || json.Unmarshal(raw, &thinking) != nil || thinking == nil {
		return "", nil, errors.New("tree search response must include string field 'thinking'")
	}

	var nodeList *[]any
	if raw, ok := payload["node_list"]; !ok || json.Unmarshal(raw, &nodeList) != nil || nodeList == nil {
		return "", nil, errors.New("tree search response must include list field 'node_list'")
	}

	filtered := make([]string, 0, maxNodes)
	seen := make(map[string]struct{})
	for _, item := range *nodeList {
		nodeID := anyToString(item)
		if _, valid := validIDs[nodeID]; !valid {
			continue
		}
		if _, dup := seen[nodeID]; dup {
			continue
		}
		seen[nodeID] = struct{}{}
		filtered = append(filtered, nodeID)
		if len(filtered) >= maxNodes {
			break
		}
	}
	return strings.TrimSpace(*thinking), filtered, nil
}

const selectionPrompt = "You are given a user question and a document tree.\n" +
	"Each node may include title, node_id, summary, prefix_summary, and page/line bounds.\n" +
	"Select nodes likely to contain evidence for answering the question.\n" +
	"Return strict JSON only in this shape:\n" +
	`{"thinking":"...","node_list":["0001","0002"]}` + "\n" +
	"Do not include markdown fences or extra text."

// SelectNodes asks the model which tree nodes likely hold evidence for the
// question. Temperature 0; the response must be strict JSON.
func SelectNodes(ctx context.Context, client interfaces.LLMClient, model, query string, history []models.ChatMessage, treePayload []map[string]any, validIDs map[string]struct{}) (string, []string, error) {
	treeJSON, err := json.Marshal(treePayload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialise tree payload: %w", err)
	}

	messages := []interfaces.LLMMessage{{Role: models.RoleSystem, Content: selectionPrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, interfaces.LLMMessage{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("Question:\n%s\n\nDocument Tree JSON:\n%s", query, treeJSON),
	})

	content, err := client.ChatCompletion(ctx, model, messages, 0)
	if err != nil {
		return "", nil, err
	}
	return ParseSelectionResponse(strings.TrimSpace(content), validIDs, MaxContextNodes)
}

const answerPrompt = "Answer the user using only provided context snippets from the indexed document.\n" +
	"Use freeform natural language.\n" +
	"If evidence is insufficient, state what is missing.\n" +
	"Finish with a short 'Sources:' line listing node_ids/pages used."

// StreamAnswer streams the grounded answer, invoking onDelta per chunk, and
// returns the concatenated trimmed text.
func StreamAnswer(ctx context.Context, client interfaces.LLMClient, model, query string, history []models.ChatMessage, contextNodes []ContextNode, onDelta func(delta string) error) (string, error) {
	var blobParts []string
	for _, item := range contextNodes {
		title := item.Title
		if title == "" {
			title = "Untitled"
		}
		pagePart := ""
		if item.StartIndex > 0 && item.EndIndex > 0 {
			pagePart = fmt.Sprintf(" pages=%d-%d", item.StartIndex, item.EndIndex)
		} else if item.LineNum > 0 {
			pagePart = fmt.Sprintf(" line=%d", item.LineNum)
		}
		blobParts = append(blobParts, fmt.Sprintf("[node_id=%s%s] %s\n%s", item.NodeID, pagePart, title, item.Text))
	}

	messages := []interfaces.LLMMessage{{Role: models.RoleSystem, Content: answerPrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, interfaces.LLMMessage{
		Role: models.RoleUser,
		Content: fmt.Sprintf("Question:\n%s\n\nContext snippets:\n%s\n\nCandidate sources for citation line: %s",
			query, strings.Join(blobParts, "\n\n"), formatSources(contextNodes)),
	})

	return client.StreamChatCompletion(ctx, model, messages, 0.2, onDelta)
}

// formatSources renders the candidate citation list for the answer prompt.
func formatSources(contextNodes []ContextNode) string {
	var rows []string
	for _, item := range contextNodes {
		label := "node " + item.NodeID
		if item.StartIndex > 0 && item.EndIndex > 0 {
			label += fmt.Sprintf(" (pages %d-%d)", item.StartIndex, item.EndIndex)
		} else if item.LineNum > 0 {
			label += fmt.Sprintf(" (line %d)", item.LineNum)
		}
		rows = append(rows, label)
	}
	return strings.Join(rows, ", ")
}

// historyMessages converts the trailing window of the transcript for the
// model, normalising unknown roles to user.
func historyMessages(history []models.ChatMessage) []interfaces.LLMMessage {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	out := make([]interfaces.LLMMessage, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		switch role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		default:
			role = models.RoleUser
		}
		out = append(out, interfaces.LLMMessage{Role: role, Content: msg.Content})
	}
	return out
}

// BuildCitations emits one citation per selected node in selection order,
// with titles and bounds taken from the node map when present.
func BuildCitations(nodeIDs []string, nodeMap map[string]Node) []models.NodeCitation {
	citations := make([]models.NodeCitation, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		node := nodeMap[nodeID]
		citations = append(citations, models.NodeCitation{
			NodeID:     nodeID,
			Title:      anyToString(node["title"]),
			StartIndex: anyToInt(node["start_index"]),
			EndIndex:   anyToInt(node["end_index"]),
			LineNum:    anyToInt(node["line_num"]),
		})
	}
	return citations
}

// --- dynamic-JSON coercions ---

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func anyToInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}
