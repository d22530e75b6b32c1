package models

import "time"

// LogChunkRecord persists one shipped log chunk index for a run. Records
// survive restarts so purge can locate every annotation ever created for a
// run, which the annotation key contract requires.
type LogChunkRecord struct {
	RunKey    string    `badgerhold:"index"` // run display key
	Namespace string
	Name      string
	Index     string // chunk index, annotation key suffix
	CreatedAt time.Time
}
