package jobmanager

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graememel-kap/pageindex-web/internal/models"
)

// StageProgress maps each stage to its fixed progress anchor. A job's
// progress always equals the anchor of its current stage.
var StageProgress = map[models.JobStage]float64{
	models.StageQueued:        0.05,
	models.StageParsingInput:  0.20,
	models.StageTOCAnalysis:   0.35,
	models.StageIndexBuild:    0.60,
	models.StageRefinement:    0.75,
	models.StageSummarization: 0.88,
	models.StageFinalizing:    0.95,
	models.StageCompleted:     1.00,
}

// stageOrder is the total order over stages. Stage never regresses.
var stageOrder = []models.JobStage{
	models.StageQueued,
	models.StageParsingInput,
	models.StageTOCAnalysis,
	models.StageIndexBuild,
	models.StageRefinement,
	models.StageSummarization,
	models.StageFinalizing,
	models.StageCompleted,
}

// StageRank returns the position of the stage in the total order, or -1.
func StageRank(stage models.JobStage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// signalRule maps a set of case-insensitive keywords to the stage they
// indicate. Rules are consulted top to bottom, higher stages first, so a
// late-phase signal wins over an early-phase one. The keywords track the
// output of run_pageindex.py; extend the table when the indexer changes.
type signalRule struct {
	stage    models.JobStage
	keywords []string
}

var signalRules = []signalRule{
	{models.StageFinalizing, []string{
		"parsing done, saving to file",
		"tree structure saved to",
	}},
	{models.StageSummarization, []string{
		"generating summaries",
		"if_add_node_summary",
		"doc_description",
		"generate_doc_description",
		"generate_node_summary",
	}},
	{models.StageRefinement, []string{
		"fix_incorrect_toc",
		"large node",
		"fixing ",
		"incorrect_results",
		"maximum fix attempts",
	}},
	{models.StageIndexBuild, []string{
		"meta_processor",
		"generate_toc",
		"verify_toc",
		"check all items",
		"accuracy:",
		"process_no_toc",
		"process_toc_",
	}},
	{models.StageTOCAnalysis, []string{
		"find_toc_pages",
		"toc found",
		"toc_content",
		"detect_page_index",
		"toc_transformer",
		"check_toc",
	}},
	{models.StageParsingInput, []string{
		"parsing pdf",
		"processing markdown file",
		"extracting nodes from markdown",
		"extracting text content from nodes",
		"building tree from nodes",
	}},
}

// StageFromText classifies one line of indexer output. Returns "" when the
// line carries no stage signal. QUEUED and COMPLETED are never inferred from
// text; the supervisor sets them directly.
func StageFromText(text string) models.JobStage {
	lowered := strings.ToLower(text)
	for _, rule := range signalRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.stage
			}
		}
	}
	return ""
}

// StageFromLogEntry classifies one entry of the indexer's JSON log array.
// A map entry is flattened to its serialised form plus all values and keys
// before matching.
func StageFromLogEntry(entry any) models.JobStage {
	var candidates []string
	if m, ok := entry.(map[string]any); ok {
		if data, err := json.Marshal(m); err == nil {
			candidates = append(candidates, string(data))
		}
		for _, v := range m {
			candidates = append(candidates, fmt.Sprint(v))
		}
		for k := range m {
			candidates = append(candidates, k)
		}
	} else {
		candidates = append(candidates, fmt.Sprint(entry))
	}

	for _, candidate := range candidates {
		if stage := StageFromText(candidate); stage != "" {
			return stage
		}
	}
	return ""
}
