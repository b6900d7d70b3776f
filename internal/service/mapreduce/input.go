package mapreduce

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/fsutil"
)

// LoadWorkItems materializes the map input source into work items. Three
// source shapes are supported: an inline JSON array, a file path with an
// optional JSONPath into it, and a glob yielding one {path} item per match.
func LoadWorkItems(input, jsonPath, baseDir string) ([]core.WorkItem, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, core.ErrValidation(core.CodeInvalidWorkflow, "map input is required")
	}

	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return itemsFromJSON([]byte(trimmed), jsonPath)
	}

	if strings.ContainsAny(trimmed, "*?{") {
		return itemsFromGlob(trimmed, baseDir)
	}

	path := trimmed
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidWorkflow,
			fmt.Sprintf("reading map input %s: %v", trimmed, err))
	}
	return itemsFromJSON(data, jsonPath)
}

// itemsFromJSON extracts items from a JSON document, navigating jsonPath
// when given.
func itemsFromJSON(data []byte, jsonPath string) ([]core.WorkItem, error) {
	doc := data
	if jsonPath != "" {
		result := gjson.GetBytes(data, normalizeJSONPath(jsonPath))
		if !result.Exists() {
			return nil, core.ErrValidation(core.CodeInvalidWorkflow,
				fmt.Sprintf("json_path %q matched nothing in map input", jsonPath))
		}
		doc = []byte(result.Raw)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		// A single object becomes a one-item input.
		var obj json.RawMessage
		if objErr := json.Unmarshal(doc, &obj); objErr != nil {
			return nil, core.ErrValidation(core.CodeInvalidWorkflow,
				fmt.Sprintf("map input is not a JSON array: %v", err))
		}
		raw = []json.RawMessage{obj}
	}

	items := make([]core.WorkItem, 0, len(raw))
	for i, value := range raw {
		items = append(items, core.WorkItem{
			Index: i,
			ID:    core.DeriveItemID(i, value),
			Value: value,
		})
	}
	return items, nil
}

// normalizeJSONPath accepts common JSONPath spellings ($.items[*], items.*)
// and reduces them to a gjson path.
func normalizeJSONPath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$.")
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimSuffix(p, "[*]")
	p = strings.TrimSuffix(p, ".*")
	return p
}

// itemsFromGlob lists matching files, one {path} item each, in sorted
// (deterministic) match order.
func itemsFromGlob(pattern, baseDir string) ([]core.WorkItem, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(baseDir, pattern))
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidWorkflow,
			fmt.Sprintf("bad map input glob %q: %v", pattern, err))
	}

	items := make([]core.WorkItem, 0, len(matches))
	for i, match := range matches {
		rel := match
		if baseDir != "" {
			if r, relErr := filepath.Rel(baseDir, match); relErr == nil {
				rel = r
			}
		}
		value, _ := json.Marshal(map[string]string{"path": rel})
		items = append(items, core.WorkItem{
			Index: i,
			ID:    core.DeriveItemID(i, value),
			Value: value,
		})
	}
	return items, nil
}
