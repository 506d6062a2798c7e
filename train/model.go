package train

import (
	"context"
	"fmt"
	"log"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
)

// Layers at the end of the body that stay trainable when the body is frozen.
const HeadLayers = 52

type ModelParams struct {
	Anchors pagekit.Anchors
	NumClasses int
	ModelStruc string
	LoadPretrained bool
	WeightsPath string
	FreezeBody bool
}

// Build the training model in a fresh session, optionally loading pretrained
// weights (by layer name, skipping mismatches) and freezing all but the last
// HeadLayers layers.
func CreateModel(ctx context.Context, builder backend.Builder, params ModelParams) (backend.Model, error) {
	spec := backend.ModelSpec{
		Anchors: params.Anchors,
		NumClasses: params.NumClasses,
		ModelStruc: params.ModelStruc,
		InputChannels: 1,
		IgnoreThresh: 0.5,
	}
	model, err := builder.Build(ctx, spec)
	if err != nil {
		return nil, err
	}
	log.Printf("[train] Create YOLOv3 model with %d anchors and %d classes.", len(params.Anchors), params.NumClasses)

	if params.LoadPretrained {
		err := model.LoadWeights(params.WeightsPath, backend.LoadOptions{ByName: true, SkipMismatch: true})
		if err != nil {
			model.Close()
			return nil, fmt.Errorf("error loading weights %s: %v", params.WeightsPath, err)
		}
		log.Printf("[train] Load weights %s.", params.WeightsPath)
		if params.FreezeBody {
			num := model.NumLayers() - HeadLayers
			if num < 0 {
				num = 0
			}
			if err := model.Freeze(num); err != nil {
				model.Close()
				return nil, err
			}
			log.Printf("[train] Freeze the first %d layers of total %d layers.", num, model.NumLayers())
		}
	}

	lines, err := model.Summary()
	if err != nil {
		log.Printf("[train] error getting model summary: %v", err)
	}
	for _, line := range lines {
		log.Printf("[train] %s", line)
	}
	return model, nil
}
