package agent

import (
	"context"
	"encoding/json"

	"goa.design/postpipe/runtime/pipeline"
)

// Names of the built-in document tools exposed to every pipeline agent.
const (
	ToolGetBrand    = "get_brand"
	ToolGetPostPlan = "get_post_plan"
)

// DocumentSource is the boundary to the document store holding brand and post
// plan documents. The concrete client is an external collaborator.
type DocumentSource interface {
	Brand(ctx context.Context, brandID string) (map[string]any, error)
	PostPlan(ctx context.Context, brandID, postPlanID string) (map[string]any, error)
}

var (
	getBrandInputSchema = []byte(`{
		"type": "object",
		"properties": {
			"brandId": {"type": "string", "minLength": 1}
		},
		"required": ["brandId"],
		"additionalProperties": false
	}`)

	getPostPlanInputSchema = []byte(`{
		"type": "object",
		"properties": {
			"brandId": {"type": "string", "minLength": 1},
			"postPlanId": {"type": "string", "minLength": 1}
		},
		"required": ["brandId", "postPlanId"],
		"additionalProperties": false
	}`)
)

// RegisterDocumentTools wires the built-in document tools into the
// dispatcher.
func RegisterDocumentTools(d *Dispatcher, src DocumentSource) error {
	if src == nil {
		return pipeline.NewError(pipeline.CodeInvalidInput, "document source is required")
	}
	if err := d.Register(ToolSpec{
		Name:        ToolGetBrand,
		Description: "Retrieve a brand document by id",
		InputSchema: getBrandInputSchema,
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var in struct {
				BrandID string `json:"brandId"`
			}
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, pipeline.WrapError(pipeline.CodeInvalidInput, "decode get_brand payload", err)
			}
			return src.Brand(ctx, in.BrandID)
		},
	}); err != nil {
		return err
	}
	return d.Register(ToolSpec{
		Name:        ToolGetPostPlan,
		Description: "Retrieve a post plan document by id",
		InputSchema: getPostPlanInputSchema,
		Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var in struct {
				BrandID    string `json:"brandId"`
				PostPlanID string `json:"postPlanId"`
			}
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, pipeline.WrapError(pipeline.CodeInvalidInput, "decode get_post_plan payload", err)
			}
			return src.PostPlan(ctx, in.BrandID, in.PostPlanID)
		},
	})
}
