package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aymanbagabas/go-udiff"
	"github.com/sahilm/fuzzy"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ViewArgs reads a file, optionally windowed by line offset and limit.
type ViewArgs struct {
	Path   string `json:"path" jsonschema:"description=File path to read,required"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// CreateArgs writes a new file or overwrites an existing one.
type CreateArgs struct {
	Path    string `json:"path" jsonschema:"description=File path to write,required"`
	Content string `json:"content" jsonschema:"description=Full file content,required"`
}

// EditArgs modifies one file. Exactly one addressing mode applies: OldText
// (which must match exactly once) or a 1-based StartLine/EndLine range.
type EditArgs struct {
	Path      string `json:"path" jsonschema:"description=File path to edit,required"`
	OldText   string `json:"old_text,omitempty" jsonschema:"description=Exact text to replace; must occur exactly once"`
	NewText   string `json:"new_text" jsonschema:"description=Replacement text,required"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to replace (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to replace (inclusive)"`
}

// BatchEditArgs applies several edits atomically: all succeed or none apply.
type BatchEditArgs struct {
	Edits []EditArgs `json:"edits" jsonschema:"description=Edits to apply; all succeed or none do,required"`
}

// ShellArgs runs a shell command.
type ShellArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to run,required"`
	TimeoutMs  int    `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run in"`
}

// SearchArgs searches file contents and file names in one call.
type SearchArgs struct {
	Query           string `json:"query" jsonschema:"description=Regex for content search; also fuzzy-matched against file names,required"`
	Path            string `json:"path,omitempty" jsonschema:"description=Directory to search under"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Glob filter for content matches"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
	FilesOnly       bool   `json:"files_only,omitempty" jsonschema:"description=Only rank file names; skip content search"`
}

// TodoArgs manipulates the turn-spanning task list.
type TodoArgs struct {
	Action string `json:"action" jsonschema:"description=One of add | complete | list,required"`
	Text   string `json:"text,omitempty" jsonschema:"description=Item text for add"`
	Index  int    `json:"index,omitempty" jsonschema:"description=1-based item index for complete"`
}

// ConfirmCheckArgs queries standing acceptance for an operation class.
type ConfirmCheckArgs struct {
	Class string `json:"class" jsonschema:"description=One of file_create | file_edit | shell,required"`
}

// todoStore keeps the task list as a JSON document, mutated in place.
type todoStore struct {
	doc string
	mu  sync.Mutex
}

func newTodoStore() *todoStore {
	return &todoStore{doc: `{"items":[]}`}
}

func (s *todoStore) add(text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.Set(s.doc, "items.-1", map[string]any{"text": text, "done": false})
	if err != nil {
		return "", err
	}
	s.doc = doc
	return s.render(), nil
}

func (s *todoStore) complete(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := gjson.Get(s.doc, "items").Array()
	if index < 1 || index > len(items) {
		return "", fmt.Errorf("no todo item %d; list has %d items", index, len(items))
	}
	doc, err := sjson.Set(s.doc, fmt.Sprintf("items.%d.done", index-1), true)
	if err != nil {
		return "", err
	}
	s.doc = doc
	return s.render(), nil
}

func (s *todoStore) list() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.render()
}

func (s *todoStore) render() string {
	items := gjson.Get(s.doc, "items").Array()
	if len(items) == 0 {
		return "(no todo items)"
	}
	var sb strings.Builder
	for i, item := range items {
		mark := " "
		if item.Get("done").Bool() {
			mark = "x"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, mark, item.Get("text").String())
	}
	return strings.TrimRight(sb.String(), "\n")
}

func decodeArgs[T any](args json.RawMessage) (T, *ToolResult) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, failureResult("invalid arguments: %v", err)
	}
	return v, nil
}

// applyEdit computes the new content of one edit without writing it.
func applyEdit(content string, args EditArgs) (string, error) {
	switch {
	case args.OldText != "":
		count := strings.Count(content, args.OldText)
		if count == 0 {
			return "", fmt.Errorf("old_text not found in %s", args.Path)
		}
		if count > 1 {
			return "", fmt.Errorf("old_text occurs %d times in %s; it must be unique", count, args.Path)
		}
		return strings.Replace(content, args.OldText, args.NewText, 1), nil

	case args.StartLine > 0:
		lines := strings.Split(content, "\n")
		end := args.EndLine
		if end == 0 {
			end = args.StartLine
		}
		if args.StartLine > len(lines) || end < args.StartLine || end > len(lines) {
			return "", fmt.Errorf("line range %d-%d out of bounds for %s (%d lines)", args.StartLine, end, args.Path, len(lines))
		}
		var out []string
		out = append(out, lines[:args.StartLine-1]...)
		if args.NewText != "" {
			out = append(out, strings.Split(args.NewText, "\n")...)
		}
		out = append(out, lines[end:]...)
		return strings.Join(out, "\n"), nil

	default:
		return "", fmt.Errorf("edit requires either old_text or start_line")
	}
}

func registerCoreTools(d *Dispatcher, env Environment) {
	todos := newTodoStore()

	d.Register(&Tool{
		Name:        ToolView,
		Description: "Read a file with line numbers. Use offset and limit to window large files.",
		Schema:      schemaFor(&ViewArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[ViewArgs](raw)
			if fail != nil {
				return fail
			}
			if args.Path == "" {
				return failureResult("view requires a path")
			}
			content, err := env.ReadFile(args.Path, args.Offset, args.Limit)
			if err != nil {
				return failureResult("%v", err)
			}
			if content == "" {
				return successResult("(empty)")
			}
			return successResult(content)
		},
	})

	d.Register(&Tool{
		Name:        ToolCreate,
		Description: "Create a file with the given content, creating parent directories as needed. Overwrites existing files.",
		Schema:      schemaFor(&CreateArgs{}),
		classify: func(raw json.RawMessage) *Operation {
			path := gjson.GetBytes(raw, "path").String()
			return &Operation{
				Class:       OpFileCreate,
				Description: fmt.Sprintf("create file %s", path),
				Detail:      Excerpt(gjson.GetBytes(raw, "content").String(), 2000, 500),
			}
		},
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[CreateArgs](raw)
			if fail != nil {
				return fail
			}
			if args.Path == "" {
				return failureResult("create requires a path")
			}
			existed := env.FileExists(args.Path)
			if err := env.WriteFile(args.Path, args.Content); err != nil {
				return failureResult("create %s: %v", args.Path, err)
			}
			verb := "Created"
			if existed {
				verb = "Overwrote"
			}
			result := successResult(fmt.Sprintf("%s %s (%d bytes)", verb, args.Path, len(args.Content)))
			result.Metadata = map[string]any{"path": args.Path, "overwrote": existed}
			return result
		},
	})

	editHandler := func(ctx context.Context, raw json.RawMessage) *ToolResult {
		args, fail := decodeArgs[EditArgs](raw)
		if fail != nil {
			return fail
		}
		before, err := env.ReadFileRaw(args.Path)
		if err != nil {
			return failureResult("edit %s: %v", args.Path, err)
		}
		after, err := applyEdit(before, args)
		if err != nil {
			return failureResult("%v", err)
		}
		if err := env.WriteFile(args.Path, after); err != nil {
			return failureResult("edit %s: %v", args.Path, err)
		}
		diff := udiff.Unified(args.Path, args.Path, before, after)
		result := successResult(fmt.Sprintf("Edited %s\n%s", args.Path, diff))
		result.Metadata = map[string]any{"path": args.Path}
		return result
	}

	d.Register(&Tool{
		Name:        ToolEdit,
		Description: "Edit a file by replacing a unique text fragment (old_text) or a 1-based line range (start_line/end_line) with new_text.",
		Schema:      schemaFor(&EditArgs{}),
		classify: func(raw json.RawMessage) *Operation {
			return &Operation{
				Class:       OpFileEdit,
				Description: fmt.Sprintf("edit file %s", gjson.GetBytes(raw, "path").String()),
			}
		},
		Handler: editHandler,
	})

	d.Register(&Tool{
		Name:        ToolBatchEdit,
		Description: "Apply several edits in one call. Every edit is validated before any file is written; files are then written in the order they first appear. A write-phase failure stops the batch and reports which files were already written.",
		Schema:      schemaFor(&BatchEditArgs{}),
		classify: func(raw json.RawMessage) *Operation {
			paths := gjson.GetBytes(raw, "edits.#.path")
			return &Operation{
				Class:       OpFileEdit,
				Description: fmt.Sprintf("edit files %s", paths.String()),
			}
		},
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[BatchEditArgs](raw)
			if fail != nil {
				return fail
			}
			if len(args.Edits) == 0 {
				return failureResult("batch_edit requires at least one edit")
			}

			// Validate every edit against the would-be content before
			// writing anything. Paths are written in first-appearance
			// order so repeated batches behave the same way.
			before := make(map[string]string)
			after := make(map[string]string)
			var paths []string
			for i, edit := range args.Edits {
				content, ok := after[edit.Path]
				if !ok {
					read, err := env.ReadFileRaw(edit.Path)
					if err != nil {
						return failureResult("edit %d: %s: %v", i+1, edit.Path, err)
					}
					before[edit.Path] = read
					content = read
					paths = append(paths, edit.Path)
				}
				next, err := applyEdit(content, edit)
				if err != nil {
					return failureResult("edit %d: %v", i+1, err)
				}
				after[edit.Path] = next
			}

			var sb strings.Builder
			for i, path := range paths {
				if err := env.WriteFile(path, after[path]); err != nil {
					if i == 0 {
						return failureResult("write %s: %v (no files written)", path, err)
					}
					return failureResult("write %s: %v (already written: %s)",
						path, err, strings.Join(paths[:i], ", "))
				}
				fmt.Fprintf(&sb, "Edited %s\n%s\n", path, udiff.Unified(path, path, before[path], after[path]))
			}
			return successResult(strings.TrimRight(sb.String(), "\n"))
		},
	})

	d.Register(&Tool{
		Name:        ToolShellExecute,
		Description: "Run a shell command and return its output and exit code.",
		Schema:      schemaFor(&ShellArgs{}),
		classify: func(raw json.RawMessage) *Operation {
			return &Operation{
				Class:       OpShell,
				Description: "run shell command",
				Detail:      gjson.GetBytes(raw, "command").String(),
			}
		},
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[ShellArgs](raw)
			if fail != nil {
				return fail
			}
			if args.Command == "" {
				return failureResult("shell_execute requires a command")
			}
			res, err := env.ExecCommand(ctx, args.Command, args.TimeoutMs, args.WorkingDir)
			if err != nil {
				return failureResult("%v", err)
			}
			result := &ToolResult{
				Success: res.ExitCode == 0 && !res.TimedOut,
				Output:  res.Output(),
				Metadata: map[string]any{
					"exit_code":   res.ExitCode,
					"duration_ms": res.DurationMs,
				},
			}
			if res.TimedOut {
				result.Error = fmt.Sprintf("command timed out after %dms", args.TimeoutMs)
			} else if res.ExitCode != 0 {
				result.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
			}
			return result
		},
	})

	d.Register(&Tool{
		Name:        ToolSearch,
		Description: "Search file contents by regex and rank file names by fuzzy match in one call.",
		Schema:      schemaFor(&SearchArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[SearchArgs](raw)
			if fail != nil {
				return fail
			}
			if args.Query == "" {
				return failureResult("search requires a query")
			}
			maxResults := args.MaxResults
			if maxResults <= 0 {
				maxResults = 50
			}

			var sb strings.Builder

			files, err := env.ListFiles(args.Path, 0)
			if err == nil && len(files) > 0 {
				matches := fuzzy.Find(args.Query, files)
				if len(matches) > 0 {
					sb.WriteString("File name matches:\n")
					for i, m := range matches {
						if i >= 10 {
							break
						}
						fmt.Fprintf(&sb, "  %s\n", m.Str)
					}
					sb.WriteString("\n")
				}
			}

			if !args.FilesOnly {
				content, err := env.Grep(ctx, args.Query, args.Path, GrepOptions{
					GlobFilter:      args.Glob,
					CaseInsensitive: args.CaseInsensitive,
					MaxResults:      maxResults,
				})
				if err != nil {
					return failureResult("search: %v", err)
				}
				if content != "" {
					sb.WriteString("Content matches:\n")
					sb.WriteString(content)
				}
			}

			if sb.Len() == 0 {
				return successResult("No matches found.")
			}
			return successResult(strings.TrimRight(sb.String(), "\n"))
		},
	})

	d.Register(&Tool{
		Name:        ToolTodo,
		Description: "Track multi-step work: add items, mark them complete, or list the current state.",
		Schema:      schemaFor(&TodoArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[TodoArgs](raw)
			if fail != nil {
				return fail
			}
			switch args.Action {
			case "add":
				if args.Text == "" {
					return failureResult("todo add requires text")
				}
				out, err := todos.add(args.Text)
				if err != nil {
					return failureResult("%v", err)
				}
				return successResult(out)
			case "complete":
				out, err := todos.complete(args.Index)
				if err != nil {
					return failureResult("%v", err)
				}
				return successResult(out)
			case "list":
				return successResult(todos.list())
			default:
				return failureResult("unknown todo action %q; use add, complete, or list", args.Action)
			}
		},
	})

	d.Register(&Tool{
		Name:        ToolConfirmCheck,
		Description: "Check whether an operation class (file_create, file_edit, shell) already has standing approval for this session.",
		Schema:      schemaFor(&ConfirmCheckArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
			args, fail := decodeArgs[ConfirmCheckArgs](raw)
			if fail != nil {
				return fail
			}
			class := OperationClass(args.Class)
			switch class {
			case OpFileCreate, OpFileEdit, OpShell:
			default:
				return failureResult("unknown operation class %q", args.Class)
			}
			if d.gate.Accepted(class) {
				return successResult(fmt.Sprintf("%s operations have standing approval for this session", class))
			}
			return successResult(fmt.Sprintf("%s operations require confirmation", class))
		},
	})
}
