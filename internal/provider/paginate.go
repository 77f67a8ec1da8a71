package provider

import (
	"encoding/json"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

// Paginate slices a complete transcript the way GetMessages reports it. The
// messages are re-indexed 0..N-1 first so OldestIndex is meaningful.
func Paginate(all []domain.Message, opts PageOptions) Page {
	total := len(all)
	end := total
	if opts.Before != nil && *opts.Before < end {
		end = max(*opts.Before, 0)
	}
	start := 0
	if opts.Limit > 0 && end-opts.Limit > 0 {
		start = end - opts.Limit
	}

	window := make([]domain.Message, 0, end-start)
	for i := start; i < end; i++ {
		m := all[i].Clone()
		m.Index = i
		window = append(window, m)
	}

	return Page{
		Messages:      window,
		HasMore:       start > 0,
		OldestIndex:   start,
		TotalMessages: total,
		Tasks:         SubTasks(all),
	}
}

// SubTasks lists delegated agent invocations (Task/Agent tool calls).
func SubTasks(all []domain.Message) []SubTask {
	var out []SubTask
	for i, m := range all {
		for _, p := range m.Content {
			if p.Type != domain.PartToolUse || (p.ToolName != "Task" && p.ToolName != "Agent") {
				continue
			}
			var input struct {
				Description string `json:"description"`
			}
			_ = json.Unmarshal(p.Input, &input)
			out = append(out, SubTask{ToolUseID: p.ToolUseID, Description: input.Description, Index: i})
		}
	}
	return out
}
