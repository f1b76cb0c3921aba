package dispatch

// opOrder fixes the presentation order of the tool surface.
var opOrder = []string{OpLoad, OpOutline, OpSelect, OpReplace, OpSave, OpPreview, OpErase}

var opDescriptions = map[string]string{
	OpLoad:    "Load a file into the shape layer and receive an opaque handle. Content never enters working context; use outline, select and preview through the handle.",
	OpOutline: "Describe the structure behind a handle: declarations for source, keys for maps, columns for tables, digest for blobs.",
	OpSelect:  "Extract one section through a shape-aware selector. Source: \"func:<name>\" or \"type:<name>\". Map: a key path like [\"a\", 0, \"b\"]. Table: [row, column].",
	OpReplace: "Replace one section in the handle snapshot. The file on disk is unchanged until save.",
	OpSave:    "Write a handle's edited snapshot back to its file.",
	OpPreview: "Metadata for a handle plus a short text head. Binary content stays opaque.",
	OpErase:   "Remove blocks from working context. Select by ids, tag, or position range; give a reason. System and user blocks can never be erased.",
}

var opSchemas = map[string]map[string]any{
	OpLoad: {
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path to the file."},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	},
	OpOutline: {
		"type": "object",
		"properties": map[string]any{
			"handle_id": map[string]any{"type": "string"},
		},
		"required":             []any{"handle_id"},
		"additionalProperties": false,
	},
	OpSelect: {
		"type": "object",
		"properties": map[string]any{
			"handle_id": map[string]any{"type": "string"},
			"selector":  map[string]any{"description": "Shape-aware selector for the handle's kind."},
		},
		"required":             []any{"handle_id", "selector"},
		"additionalProperties": false,
	},
	OpReplace: {
		"type": "object",
		"properties": map[string]any{
			"handle_id": map[string]any{"type": "string"},
			"selector":  map[string]any{"description": "Shape-aware selector for the handle's kind."},
			"value":     map[string]any{"description": "Replacement value, or source text for code."},
		},
		"required":             []any{"handle_id", "selector", "value"},
		"additionalProperties": false,
	},
	OpSave: {
		"type": "object",
		"properties": map[string]any{
			"handle_id": map[string]any{"type": "string"},
		},
		"required":             []any{"handle_id"},
		"additionalProperties": false,
	},
	OpPreview: {
		"type": "object",
		"properties": map[string]any{
			"handle_id": map[string]any{"type": "string"},
		},
		"required":             []any{"handle_id"},
		"additionalProperties": false,
	},
	OpErase: {
		"type": "object",
		"properties": map[string]any{
			"ids": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
			"tag": map[string]any{"type": "string"},
			"range": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start": map[string]any{"type": "integer"},
					"end":   map[string]any{"type": "integer"},
				},
				"required":             []any{"start", "end"},
				"additionalProperties": false,
			},
			"reason": map[string]any{"type": "string"},
			"strategy": map[string]any{
				"type": "string",
				"enum": []any{"summarize", "drop"},
			},
		},
		"required":             []any{"reason"},
		"additionalProperties": false,
	},
}
