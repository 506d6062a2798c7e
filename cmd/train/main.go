package main

import (
	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
	"github.com/bookpage/pagekit/train"

	"context"
	"flag"
	"log"
	"os"
	"os/signal"
)

func main() {
	configFile := flag.String("config", "", "JSON config file overlaying the defaults")
	dataFile := flag.String("data", "", "tags file (default from config)")
	srcType := flag.String("src", "images", "data source type")
	modelStruc := flag.String("model", "densenet", "model body structure")
	pretrained := flag.String("weights", "", "pretrained weights, skipped if missing")
	freezeBody := flag.Bool("freeze", false, "train a frozen-body stage first")
	seed := flag.Int64("seed", 0, "shuffle seed")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	pagekit.SeedRand()

	cfg := pagekit.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = pagekit.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("[train] error loading config: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	trainer := &train.Trainer{
		Config: cfg,
		Builder: backend.ProcessBuilder{Python: cfg.Python, Script: cfg.DetectionWorker},
	}
	result, err := trainer.Train(ctx, train.TrainParams{
		DataFile: *dataFile,
		SrcType: *srcType,
		ModelStruc: *modelStruc,
		PretrainedPath: *pretrained,
		FreezeBody: *freezeBody,
		Seed: *seed,
	})
	if err != nil {
		log.Fatalf("[train] %v", err)
	}
	log.Printf("[train] done, final weights at %s (%d checkpoints)", result.FinalWeights, len(result.Checkpoints))
}
