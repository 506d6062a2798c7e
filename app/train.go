package app

import (
	"github.com/bookpage/pagekit/pagekit"
	"github.com/bookpage/pagekit/train"

	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
)

type TrainRequest struct {
	Name string
	DataFile string
	ModelStruc string
	PretrainedPath string
	FreezeBody bool
	Seed int64
}

func (req TrainRequest) Params() train.TrainParams {
	return train.TrainParams{
		DataFile: req.DataFile,
		ModelStruc: req.ModelStruc,
		PretrainedPath: req.PretrainedPath,
		FreezeBody: req.FreezeBody,
		Seed: req.Seed,
	}
}

func jobName(prefix string, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

// Start a training job. Its state is the ModelJobState, updated every epoch.
func StartTrainJob(req TrainRequest) (*DBJob, chan struct{}) {
	params := req.Params().WithDefaults(Config.Pagekit)
	job := NewJob(jobName("train", req.Name), "train", string(pagekit.JsonMarshal(params)))
	state := &pagekit.ModelJobState{}
	tail := &pagekit.TailJobOp{}
	trainer := &train.Trainer{
		Config: Config.Pagekit,
		Builder: Config.Builder,
		Data: Config.TrainData,
		Progress: func(stage string, epoch int, logs train.EpochLogs) {
			state.Stage = stage
			state.AddEpoch(epoch, logs.Loss, logs.ValLoss, logs.LR)
			state.Lines = tail.Update([]string{
				fmt.Sprintf("%s epoch %d: loss %.4f, val_loss %.4f, lr %g", stage, epoch+1, logs.Loss, logs.ValLoss, logs.LR),
			})
			job.UpdateState(string(pagekit.JsonMarshal(state)))
			EmitJobUpdate(job)
		},
	}
	done := job.Start(func(ctx context.Context) error {
		if trainer.Builder == nil {
			return fmt.Errorf("no model builder configured")
		}
		result, err := trainer.Train(ctx, params)
		if err != nil {
			return err
		}
		state.Weights = result.FinalWeights
		job.UpdateState(string(pagekit.JsonMarshal(state)))
		log.Printf("[train] job %d saved final weights to %s (best epoch %d)", job.ID, result.FinalWeights, state.BestEpoch()+1)
		return nil
	})
	return job, done
}

func init() {
	Router.HandleFunc("/train", func(w http.ResponseWriter, r *http.Request) {
		var request TrainRequest
		if err := pagekit.ParseJsonRequest(w, r, &request); err != nil {
			return
		}
		job, _ := StartTrainJob(request)
		pagekit.JsonResponse(w, GetJob(job.ID))
	}).Methods("POST")
}
