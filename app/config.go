package app

import (
	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
	"github.com/bookpage/pagekit/train"

	"net/http"
)

// Global config object, set by cmd/server.
var Config struct {
	Pagekit pagekit.Config
	Builder backend.Builder
	SegmenterBuilder backend.SegmenterBuilder
	// If set, replaces reading the tags file for training data.
	TrainData train.DataFunc
}

func init() {
	Router.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		pagekit.JsonResponse(w, Config.Pagekit)
	}).Methods("GET")
}
