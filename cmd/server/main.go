package main

import (
	"github.com/bookpage/pagekit/app"
	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"

	"github.com/googollee/go-socket.io"

	"flag"
	"log"
	"net/http"
)

func main() {
	addr := flag.String("addr", ":8080", "bind address")
	configFile := flag.String("config", "", "JSON config file overlaying the defaults")
	dbFile := flag.String("db", "./pagekit.sqlite3", "sqlite database file")
	initdb := flag.Bool("initdb", false, "initialize the database before starting up")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	pagekit.SeedRand()

	cfg := pagekit.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = pagekit.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("[server] error loading config: %v", err)
		}
	}
	app.Config.Pagekit = cfg
	app.Config.Builder = backend.ProcessBuilder{Python: cfg.Python, Script: cfg.DetectionWorker}
	app.Config.SegmenterBuilder = backend.ProcessBuilder{Python: cfg.Python, Script: cfg.SegmentWorker}

	if err := app.OpenDB(*dbFile); err != nil {
		log.Fatalf("[server] error opening database: %v", err)
	}
	defer app.CloseDB()
	app.InitDB(*initdb)

	server, err := socketio.NewServer(nil)
	if err != nil {
		panic(err)
	}
	for _, f := range app.SetupFuncs {
		f(server)
	}

	go server.Serve()
	defer server.Close()
	http.Handle("/socket.io/", server)
	http.Handle("/", app.Router)
	log.Printf("starting on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		panic(err)
	}
}
