package jobs

import (
	"github.com/sasha-s/go-deadlock"
)

// ID is a monotonically increasing job identifier, starting at 1
type ID uint32

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status can never change again
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed || s == StatusCancelled
}

// CurrentStep describes what a running job is doing right now
type CurrentStep struct {
	Description string `json:"description"`
	Num         int16  `json:"num"`
	Unit        string `json:"unit"`
	UnitsTotal  uint32 `json:"unitsTotal"`
	UnitsDone   uint32 `json:"unitsDone"`
	Rate        uint32 `json:"rate"`
}

// Result is the final outcome of a job
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// View is a consistent snapshot of a Progress, taken under its lock
type View struct {
	ID          ID          `json:"id"`
	Status      Status      `json:"status"`
	Description string      `json:"description"`
	NumSteps    int16       `json:"numSteps"`
	CurrentStep CurrentStep `json:"currentStep"`
	Result      Result      `json:"result"`
}

// Progress tracks one job. It is mutated by the owning worker, and by
// Jobs.Delete when a queued job is cancelled; any thread may snapshot it
// under its own lock.
type Progress struct {
	mu deadlock.Mutex

	id          ID
	status      Status
	desc        string
	numSteps    int16
	currentStep CurrentStep
	result      Result
}

func newProgress(id ID, desc string) *Progress {
	return &Progress{id: id, status: StatusQueued, desc: desc}
}

// JobID returns the job's id
func (p *Progress) JobID() ID {
	return p.id
}

// Desc returns the job description
func (p *Progress) Desc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// SetDesc replaces the job description
func (p *Progress) SetDesc(desc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desc = desc
}

// SetNumSteps announces how many steps the job will take
func (p *Progress) SetNumSteps(numSteps int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numSteps = numSteps
}

// NextStep advances to the next step
func (p *Progress) NextStep(desc string) {
	p.NextStepUnits(desc, "", 0)
}

// NextStepUnits advances to the next step with unit accounting
func (p *Progress) NextStepUnits(desc string, unit string, unitsTotal uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentStep = CurrentStep{
		Description: desc,
		Num:         p.currentStep.Num + 1,
		Unit:        unit,
		UnitsTotal:  unitsTotal,
	}
}

// SkipToStep jumps the step counter forward, e.g. past the remaining steps of
// a failed batch item
func (p *Progress) SkipToStep(num int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentStep = CurrentStep{Num: num}
}

// SetResult records the job outcome ahead of termination
func (p *Progress) SetResult(code int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = Result{Code: code, Message: message}
}

// Status returns the current status
func (p *Progress) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Progress) setStatus(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// Result returns the recorded outcome
func (p *Progress) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Snapshot returns a mutually consistent view of all fields
func (p *Progress) Snapshot() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{
		ID:          p.id,
		Status:      p.status,
		Description: p.desc,
		NumSteps:    p.numSteps,
		CurrentStep: p.currentStep,
		Result:      p.result,
	}
}
