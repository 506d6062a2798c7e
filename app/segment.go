package app

import (
	"github.com/bookpage/pagekit/pagekit"
	"github.com/bookpage/pagekit/segment"

	"context"
	"fmt"
	"net/http"
)

type SegmentRequest struct {
	Name string
	ImgPaths []string
	// Defaults to a new directory under the configured segmentation dir.
	DestDir string
	Task string
	TextType string
	ModelStruc string
	Weights string
}

func (req SegmentRequest) Params() segment.Params {
	params := segment.Params{
		ImgPaths: req.ImgPaths,
		DestDir: req.DestDir,
		Task: req.Task,
		TextType: req.TextType,
		ModelStruc: req.ModelStruc,
		Weights: req.Weights,
	}.WithDefaults()
	if params.DestDir == "" {
		params.DestDir = segment.NewDestDir(Config.Pagekit.SegmentDestDir)
	}
	return params
}

// Start a segmentation job. Its state is the list of results once done.
func StartSegmentJob(req SegmentRequest) (*DBJob, chan struct{}) {
	params := req.Params()
	job := NewJob(jobName("segment", req.Name), "segment", string(pagekit.JsonMarshal(params)))
	done := job.Start(func(ctx context.Context) error {
		if Config.SegmenterBuilder == nil {
			return fmt.Errorf("no segmenter builder configured")
		}
		results, err := segment.Predict(ctx, params, nil, Config.SegmenterBuilder)
		job.UpdateState(string(pagekit.JsonMarshal(results)))
		return err
	})
	return job, done
}

func init() {
	Router.HandleFunc("/segment", func(w http.ResponseWriter, r *http.Request) {
		var request SegmentRequest
		if err := pagekit.ParseJsonRequest(w, r, &request); err != nil {
			return
		}
		if len(request.ImgPaths) == 0 {
			http.Error(w, "no image paths given", 400)
			return
		}
		job, _ := StartSegmentJob(request)
		pagekit.JsonResponse(w, GetJob(job.ID))
	}).Methods("POST")
}
