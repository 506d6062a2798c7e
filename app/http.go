package app

import (
	"log"
	"sync"

	"github.com/googollee/go-socket.io"
	"github.com/gorilla/mux"
)

var SetupFuncs []func(*socketio.Server)
var Router = mux.NewRouter()

// Room that every socket.io client joins to receive job updates.
const JobsRoom = "jobs"

var socketServer *socketio.Server
var socketMu sync.Mutex

func init() {
	SetupFuncs = append(SetupFuncs, func(server *socketio.Server) {
		server.OnConnect("/", func(s socketio.Conn) error {
			s.Join(JobsRoom)
			return nil
		})
		server.OnError("/", func(s socketio.Conn, err error) {
			log.Printf("[socket.io] error: %v", err)
		})
		socketMu.Lock()
		socketServer = server
		socketMu.Unlock()
	})
}

// Push the job to connected clients as a job-update event.
func EmitJobUpdate(job *DBJob) {
	socketMu.Lock()
	server := socketServer
	socketMu.Unlock()
	if server == nil {
		return
	}
	server.BroadcastToRoom("/", JobsRoom, "job-update", job)
}
