package main

import (
	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
	"github.com/bookpage/pagekit/segment"

	"context"
	"flag"
	"log"
	"os"
	"os/signal"
)

func main() {
	configFile := flag.String("config", "", "JSON config file overlaying the defaults")
	destDir := flag.String("dest", "", "output directory (default: new directory under the configured one)")
	task := flag.String("task", "book_page", "segmentation task")
	textType := flag.String("text", "vertical", "text direction, vertical or horizontal")
	modelStruc := flag.String("model", "densenet_gru", "model structure")
	weights := flag.String("weights", "", "model weights (default: the worker's)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if flag.NArg() == 0 {
		log.Fatalf("usage: segment [flags] image-or-dir-or-glob...")
	}

	cfg := pagekit.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = pagekit.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("[segment] error loading config: %v", err)
		}
	}
	if *destDir == "" {
		*destDir = segment.NewDestDir(cfg.SegmentDestDir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	builder := backend.ProcessBuilder{Python: cfg.Python, Script: cfg.SegmentWorker}
	results, err := segment.Predict(ctx, segment.Params{
		ImgPaths: flag.Args(),
		DestDir: *destDir,
		Task: *task,
		TextType: *textType,
		ModelStruc: *modelStruc,
		Weights: *weights,
	}, nil, builder)
	if err != nil {
		log.Fatalf("[segment] %v", err)
	}
	log.Printf("[segment] wrote %d results to %s", len(results), *destDir)
}
