// Package prompt builds the message list for one LLM call from a profile's
// declarative system-prompt segments and the flow's conversation and inbox.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orchestrahq/orchestra/expr"
	"github.com/orchestrahq/orchestra/ingest"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/state"
	"github.com/orchestrahq/orchestra/tool"
)

// Assembler renders prompts. It is stateless and safe for concurrent use;
// all per-turn inputs arrive as arguments.
type Assembler struct {
	Ingest *ingest.Registry
}

// NewAssembler creates an assembler over the given ingestor registry.
func NewAssembler(reg *ingest.Registry) *Assembler {
	return &Assembler{Ingest: reg}
}

// Build produces the full message list for a turn: the assembled system
// message, the flow's conversation, and the consumed inbox items rendered as
// synthetic user messages placed before the final user turn. Consumed items
// leave the inbox. A malformed segment condition fails the whole turn.
func (a *Assembler) Build(
	p *profile.Profile,
	view state.View,
	fs *state.FlowState,
	visible []*tool.Definition,
	contributed []string,
) ([]model.Message, error) {
	system, err := a.BuildSystem(p, view, visible, contributed)
	if err != nil {
		return nil, err
	}

	history := fs.Messages()
	inbox := fs.DrainInbox()

	msgs := make([]model.Message, 0, len(history)+len(inbox)+1)
	msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: system})

	synthetic := make([]model.Message, 0, len(inbox))
	for _, item := range inbox {
		synthetic = append(synthetic, a.renderInboxItem(p, item, view))
	}

	// Synthetic context lands before the final user turn so the newest user
	// request stays last.
	insertAt := len(history)
	if n := len(history); n > 0 && history[n-1].Role == model.RoleUser {
		insertAt = n - 1
	}
	msgs = append(msgs, history[:insertAt]...)
	msgs = append(msgs, synthetic...)
	msgs = append(msgs, history[insertAt:]...)
	return msgs, nil
}

// BuildSystem assembles the system message from the profile's segments,
// sorted by order ascending with a stable tie-break on id. Segments whose
// condition evaluates falsey are skipped.
func (a *Assembler) BuildSystem(
	p *profile.Profile,
	view state.View,
	visible []*tool.Definition,
	contributed []string,
) (string, error) {
	segments := append([]profile.Segment(nil), p.Segments()...)
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Order != segments[j].Order {
			return segments[i].Order < segments[j].Order
		}
		return segments[i].ID < segments[j].ID
	})

	var parts []string
	for _, seg := range segments {
		if seg.Condition != "" {
			ok, err := expr.Evaluate(seg.Condition, view)
			if err != nil {
				return "", fmt.Errorf("segment %s: %w", seg.ID, err)
			}
			if !ok {
				continue
			}
		}
		text := a.renderSegment(p, seg, view, visible, contributed)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (a *Assembler) renderSegment(
	p *profile.Profile,
	seg profile.Segment,
	view state.View,
	visible []*tool.Definition,
	contributed []string,
) string {
	switch seg.Type {
	case profile.SegmentStaticText:
		content := seg.Content
		if content == "" && seg.IngestorID == "" {
			content = p.TextDefinition(seg.ID)
		}
		return expr.RenderTemplate(content, view)
	case profile.SegmentStateValue:
		value, ok := view.Lookup(seg.SourceStatePath)
		if !ok {
			value = nil
		}
		rendered := a.Ingest.Render(seg.IngestorID, value, view, seg.IngestorParams)
		if seg.Title != "" {
			return fmt.Sprintf("## %s\n%s", seg.Title, rendered)
		}
		return rendered
	case profile.SegmentToolDescription:
		text := tool.RenderPrompt(visible)
		if seg.Title != "" {
			return fmt.Sprintf("## %s\n%s", seg.Title, text)
		}
		return text
	case profile.SegmentToolContributedContext:
		if len(contributed) == 0 {
			return ""
		}
		text := strings.Join(contributed, "\n\n")
		if seg.Title != "" {
			return fmt.Sprintf("## %s\n%s", seg.Title, text)
		}
		return text
	default:
		return expr.RenderTemplate(seg.Content, view)
	}
}

func (a *Assembler) renderInboxItem(p *profile.Profile, item state.InboxItem, view state.View) model.Message {
	payload := item.Payload
	// A payload naming a text definition resolves through the profile.
	if key, ok := payload.(map[string]any); ok {
		if ck, ok := key["content_key"].(string); ok && ck != "" {
			payload = p.TextDefinition(ck)
		}
	}
	rendered := a.Ingest.Render(item.IngestorID, payload, view, item.Params)
	if item.Source != "" {
		rendered = fmt.Sprintf("[%s]\n%s", item.Source, rendered)
	}
	return model.Message{Role: model.RoleUser, Content: rendered}
}
