package app

import (
	"log"
)

// Initialize the database on startup with cleanup operations.
// If init is true, we also first create the schema.
func InitDB(init bool) {
	if init {
		db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY ASC,
			name TEXT,
			-- 'train' or 'segment'
			type TEXT,
			-- request parameters as JSON
			metadata TEXT,
			start_time TIMESTAMP,
			-- ModelJobState for training, results for segmentation
			state TEXT DEFAULT '',
			done INTEGER DEFAULT 0,
			error TEXT DEFAULT ''
		)`)
	}

	// jobs that were running when we last exited can't be resumed
	res := db.Exec("UPDATE jobs SET error = 'terminated', done = 1 WHERE done = 0")
	if n := res.RowsAffected(); n > 0 {
		log.Printf("[db] marked %d interrupted jobs as terminated", n)
	}
}
