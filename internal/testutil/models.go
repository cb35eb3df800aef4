package testutil

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// TextModel answers every request with text.
func TextModel(text string) *model.ScriptedModel {
	return model.NewFuncModel("text", func(context.Context, model.Request, int) (model.Response, error) {
		return model.TextResponse(text), nil
	})
}

// BlockingModel never answers; calls return once their context is done.
func BlockingModel() *model.ScriptedModel {
	return model.NewFuncModel("blocking", func(ctx context.Context, _ model.Request, _ int) (model.Response, error) {
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	})
}

// ToolThenAnswer calls tool once with args and answers with text after the
// tool result arrives.
func ToolThenAnswer(tool, args, text string) *model.ScriptedModel {
	return model.NewFuncModel("tool-then-answer", func(_ context.Context, req model.Request, _ int) (model.Response, error) {
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == model.RoleTool {
			return model.TextResponse(text), nil
		}
		return model.ToolCallResponse(core.FunctionCall{ID: "call-1", Name: tool, Arguments: args}), nil
	})
}
