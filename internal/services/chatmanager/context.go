package chatmanager

import (
	"os"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/graememel-kap/pageindex-web/internal/models"
)

// ContextNode is one clipped evidence snippet handed to the answer model.
type ContextNode struct {
	NodeID     string `json:"node_id"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
	LineNum    int    `json:"line_num,omitempty"`
	Text       string `json:"text"`
}

// GetContextForNodes resolves text for the first MaxContextNodes selected
// nodes: stored node text when present, otherwise a fresh extraction from
// the input file. Text is clipped per node and cumulatively; nodes that add
// no content are dropped.
func GetContextForNodes(job *models.Job, nodeIDs []string, nodeMap map[string]Node) []ContextNode {
	var items []ContextNode
	usedTotal := 0

	capped := nodeIDs
	if len(capped) > MaxContextNodes {
		capped = capped[:MaxContextNodes]
	}

	for _, nodeID := range capped {
		node, ok := nodeMap[nodeID]
		if !ok {
			continue
		}

		text, _ := node["text"].(string)
		if strings.TrimSpace(text) == "" {
			switch job.InputType {
			case models.InputTypePDF:
				start := anyToInt(node["start_index"])
				end := anyToInt(node["end_index"])
				if start > 0 && end > 0 {
					text = extractPDFText(job.InputPath, start, end)
				}
			case models.InputTypeMD:
				text = extractMarkdownText(job.InputPath, node, nodeMap)
			}
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		clipped := clipRunes(text, MaxContextCharsPerNode)
		remaining := MaxContextTotalChars - usedTotal
		if remaining <= 0 {
			break
		}
		clipped = clipRunes(clipped, remaining)
		if strings.TrimSpace(clipped) == "" {
			continue
		}

		usedTotal += len([]rune(clipped))
		items = append(items, ContextNode{
			NodeID:     nodeID,
			Title:      anyToString(node["title"]),
			StartIndex: anyToInt(node["start_index"]),
			EndIndex:   anyToInt(node["end_index"]),
			LineNum:    anyToInt(node["line_num"]),
			Text:       clipped,
		})
	}
	return items
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// clampPageRange clamps a 1-based page range to [1, totalPages], forcing
// end >= start. Returns ok=false when the document has no pages.
func clampPageRange(start, end, totalPages int) (int, int, bool) {
	if totalPages <= 0 {
		return 0, 0, false
	}
	if start < 1 {
		start = 1
	}
	if start > totalPages {
		start = totalPages
	}
	if end > totalPages {
		end = totalPages
	}
	if end < start {
		end = start
	}
	return start, end, true
}

// extractPDFText pulls text for a 1-based page range. The plain-text
// extractor handles most documents; PDFs with unusual font encodings make it
// panic or error, so extraction falls back to row-based assembly per page.
// Either way a bad page is skipped rather than failing the node.
func extractPDFText(pdfPath string, startIndex, endIndex int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()

	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	start, end, ok := clampPageRange(startIndex, endIndex, r.NumPage())
	if !ok {
		return ""
	}

	var snippets []string
	for i := start; i <= end; i++ {
		pageText := extractPDFPage(r, i)
		if pageText != "" {
			snippets = append(snippets, pageText)
		}
	}
	return strings.TrimSpace(strings.Join(snippets, "\n"))
}

// extractPDFPage extracts one page, preferring GetPlainText and falling back
// to row assembly. Panics from corrupt page content are swallowed.
func extractPDFPage(r *pdf.Reader, pageNum int) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
		}
	}()

	page := r.Page(pageNum)
	if page.V.IsNull() {
		return ""
	}

	if plain, err := page.GetPlainText(nil); err == nil && strings.TrimSpace(plain) != "" {
		return plain
	}

	rows, err := page.GetTextByRow()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, row := range rows {
		for _, word := range row.Content {
			sb.WriteString(word.S)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// extractMarkdownText slices the input file from the node's line_num to the
// line before the next node's line_num (or EOF).
func extractMarkdownText(mdPath string, node Node, nodeMap map[string]Node) string {
	data, err := os.ReadFile(mdPath)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")

	var lineNums []int
	for _, item := range nodeMap {
		if n := anyToInt(item["line_num"]); n > 0 {
			lineNums = append(lineNums, n)
		}
	}
	sort.Ints(lineNums)

	start, end := markdownBounds(node, lineNums, len(lines))
	if start > len(lines) {
		return ""
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.TrimSpace(strings.Join(lines[start-1:end], "\n"))
}

// markdownBounds computes the 1-based inclusive line range for a node: from
// its line_num to just before the next node that starts further down.
func markdownBounds(node Node, sortedLineNums []int, totalLines int) (int, int) {
	start := anyToInt(node["line_num"])
	if start < 1 {
		start = 1
	}
	end := totalLines
	for _, candidate := range sortedLineNums {
		if candidate > start {
			end = candidate - 1
			break
		}
	}
	if end < start {
		end = start
	}
	return start, end
}
