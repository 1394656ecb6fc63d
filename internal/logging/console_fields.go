package logging

import (
	"log/slog"
	"strings"
)

type infoField struct {
	label string
	value string
}

// infoHighlightKeys are printed first, in this order, when present.
var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	FieldErrorCode,
	"error",
	FieldErrorHint,
	FieldImpact,
	"phase_status",
	"workflow_id",
	"prompt_id",
	"video_source",
	"target_frames",
	"visual_target_duration_seconds",
	"render_width",
	"render_height",
	"seed",
	"seed_policy",
	"degraded_reason",
	"partial_reason",
	"status",
	"reason",
}

// selectInfoFields returns formatted fields and a count of hidden entries.
// includeDebug keeps identifiers and paths that are hidden at info level.
func selectInfoFields(attrs []kv, includeDebug bool) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	used := make([]bool, len(attrs))
	result := make([]infoField, 0, len(attrs))
	hidden := 0

	take := func(idx int) {
		used[idx] = true
		attr := attrs[idx]
		if skipInfoKey(attr.key) {
			return
		}
		if !includeDebug && isDebugOnlyKey(attr.key) {
			hidden++
			return
		}
		value := formatValueForKey(attr.key, attr.value)
		if !includeDebug && len(value) > 160 && attr.key != "error" {
			hidden++
			return
		}
		result = append(result, infoField{label: displayLabel(attr.key), value: value})
	}

	for _, key := range infoHighlightKeys {
		for idx, attr := range attrs {
			if !used[idx] && attr.key == key {
				take(idx)
				break
			}
		}
	}
	for idx := range attrs {
		if !used[idx] {
			take(idx)
		}
	}
	return result, hidden
}

func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()
	if v.Kind() == slog.KindBool {
		if v.Bool() {
			return "yes"
		}
		return "no"
	}
	value := renderValue(v, true)
	if key == "error" && len(value) > 240 {
		value = value[:240] + "…"
	}
	return value
}

func skipInfoKey(key string) bool {
	switch key {
	case "", FieldRunID, FieldStage, FieldComponent:
		return true
	default:
		return false
	}
}

func isDebugOnlyKey(key string) bool {
	if key == FieldCorrelationID || key == "stream" || key == "truncated" {
		return true
	}
	if strings.HasSuffix(key, "_path") || strings.HasSuffix(key, "_dir") || key == "path" {
		return true
	}
	return strings.HasPrefix(key, "hash") || strings.HasSuffix(key, "_hash")
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldErrorCode:
		return "Error Code"
	case FieldErrorHint:
		return "Hint"
	case "visual_target_duration_seconds":
		return "Target Duration"
	case "workflow_id":
		return "Workflow"
	case "prompt_id":
		return "Prompt"
	}
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, " ")
}
