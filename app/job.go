package app

import (
	"github.com/bookpage/pagekit/pagekit"

	"context"
	"database/sql"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

type DBJob struct {pagekit.Job}

const JobFastQuery = "SELECT id, name, type, metadata, start_time, done, error, '' FROM jobs"
const JobQuery = "SELECT id, name, type, metadata, start_time, done, error, state FROM jobs"

func jobListHelper(rows *Rows) []*DBJob {
	jobs := []*DBJob{}
	for rows.Next() {
		var j DBJob
		rows.Scan(&j.ID, &j.Name, &j.Type, &j.Metadata, &j.StartTime, &j.Done, &j.Error, &j.State)
		jobs = append(jobs, &j)
	}
	return jobs
}

func ListJobs() []*DBJob {
	rows := db.Query(JobFastQuery + " ORDER BY id DESC")
	return jobListHelper(rows)
}

func GetJob(id int) *DBJob {
	var j DBJob
	err := db.QueryRow(JobQuery + " WHERE id = ?", id).Scan(&j.ID, &j.Name, &j.Type, &j.Metadata, &j.StartTime, &j.Done, &j.Error, &j.State)
	if err == sql.ErrNoRows {
		return nil
	}
	checkErr(err)
	return &j
}

func NewJob(name string, t string, metadata string) *DBJob {
	res := db.Exec(
		"INSERT INTO jobs (name, type, metadata, start_time) VALUES (?, ?, ?, datetime('now'))",
		name, t, metadata,
	)
	return GetJob(res.LastInsertId())
}

func (j *DBJob) UpdateState(state string) {
	j.State = state
	db.Exec("UPDATE jobs SET state = ? WHERE id = ?", state, j.ID)
}

func (j *DBJob) SetDone(error string) {
	j.Done = true
	j.Error = error
	db.Exec("UPDATE jobs SET done = 1, error = ? WHERE id = ?", error, j.ID)
}

var runningJobs = make(map[int]context.CancelFunc)
var jobMu sync.Mutex

// Run f in the background as this job. StopJob cancels the context passed to f.
// done is closed once the job is marked done.
func (j *DBJob) Start(f func(ctx context.Context) error) (done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	jobMu.Lock()
	runningJobs[j.ID] = cancel
	jobMu.Unlock()
	EmitJobUpdate(j)

	done = make(chan struct{})
	go func() {
		defer close(done)
		err := f(ctx)
		jobMu.Lock()
		delete(runningJobs, j.ID)
		jobMu.Unlock()

		var errStr string
		if ctx.Err() != nil {
			errStr = "stopped"
		} else if err != nil {
			errStr = err.Error()
		}
		cancel()
		if errStr != "" {
			log.Printf("[job %d] %s job %s ended with error: %s", j.ID, j.Type, j.Name, errStr)
		} else {
			log.Printf("[job %d] %s job %s done", j.ID, j.Type, j.Name)
		}
		j.SetDone(errStr)
		EmitJobUpdate(j)
	}()
	return done
}

// Cancel a running job. Returns false if there is no such running job.
func StopJob(id int) bool {
	jobMu.Lock()
	cancel := runningJobs[id]
	jobMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func init() {
	Router.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		pagekit.JsonResponse(w, ListJobs())
	}).Methods("GET")

	Router.HandleFunc("/jobs/{job_id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		jobID := pagekit.ParseInt(mux.Vars(r)["job_id"])
		job := GetJob(jobID)
		if job == nil {
			http.Error(w, "no such job", 404)
			return
		}
		pagekit.JsonResponse(w, job)
	}).Methods("GET")

	Router.HandleFunc("/jobs/{job_id:[0-9]+}/stop", func(w http.ResponseWriter, r *http.Request) {
		jobID := pagekit.ParseInt(mux.Vars(r)["job_id"])
		if !StopJob(jobID) {
			http.Error(w, "no such running job", 404)
			return
		}
		log.Printf("[job-stop] stopping job %d", jobID)
	}).Methods("POST")
}
