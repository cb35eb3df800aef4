package agent

import (
	"encoding/json"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// toContents converts a run history into model conversation contents.
// Control messages and errors without a correlation id are not shown to the
// model. Errors answering a tool call become function responses carrying the
// error text so the model can react to them.
func toContents(history []core.Message) []core.Content {
	callNames := map[string]string{}
	contents := make([]core.Content, 0, len(history))

	for _, m := range history {
		switch m.Kind {
		case core.KindPrompt:
			var p core.PromptPayload
			if err := m.DecodePayload(&p); err != nil || p.Text == "" {
				continue
			}
			contents = append(contents, core.Content{
				Role:  model.RoleUser,
				Parts: []core.Part{core.TextPart{Text: p.Text}},
			})

		case core.KindModelResponse:
			var p core.ModelResponsePayload
			if err := m.DecodePayload(&p); err != nil {
				continue
			}
			c := core.Content{Role: model.RoleAssistant}
			if p.Text != "" {
				c.Parts = append(c.Parts, core.TextPart{Text: p.Text})
			}
			for _, tc := range p.ToolCalls {
				callNames[tc.ID] = tc.Name
				c.Parts = append(c.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: rawArguments(tc.Arguments),
				}})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}

		case core.KindToolResult:
			var p core.ToolResultPayload
			if err := m.DecodePayload(&p); err != nil {
				continue
			}
			out := p.Output
			if len(out) == 0 {
				out = json.RawMessage(`null`)
			}
			contents = append(contents, toolContent(core.FunctionResponse{
				ID:       m.CorrelationID,
				Name:     p.Name,
				Response: out,
			}))

		case core.KindError:
			if m.CorrelationID == "" {
				continue
			}
			var p core.ErrorPayload
			if err := m.DecodePayload(&p); err != nil {
				continue
			}
			contents = append(contents, toolContent(core.FunctionResponse{
				ID:    m.CorrelationID,
				Name:  callNames[m.CorrelationID],
				Error: string(p.Code) + ": " + p.Message,
			}))
		}
	}

	return contents
}

// rawArguments returns the argument text as the model produced it. Rejected
// arguments are stored as a JSON string of that text.
func rawArguments(args json.RawMessage) string {
	var text string
	if err := json.Unmarshal(args, &text); err == nil {
		return text
	}
	return string(args)
}

func toolContent(fr core.FunctionResponse) core.Content {
	return core.Content{
		Role:  model.RoleTool,
		Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: fr}},
	}
}
