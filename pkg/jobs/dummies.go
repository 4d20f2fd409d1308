package jobs

import (
	"io"

	"github.com/sirupsen/logrus"
)

func dummyLog() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("test", "test")
}

// NewDummyJobs creates a job queue for tests in other packages
func NewDummyJobs() *Jobs {
	return NewJobs(dummyLog())
}

// NewDummyProgress creates a detached progress for running a job body
// synchronously, outside the queue
func NewDummyProgress() *Progress {
	return newProgress(0, "")
}
