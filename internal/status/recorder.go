package status

import (
	"sync"

	"github.com/kleros/lifi-sdk/internal/model"
)

// UpdateHook observes every recorded mutation of a step's execution.
type UpdateHook func(step *model.Step)

// Recorder is the single transition API for a step's Execution record. The
// controller running a step is its only writer; the recorder serializes
// concurrent updates and enforces the status invariants centrally. Every
// mutation is persisted before it returns; a persistence failure surfaces as
// an error so callers never continue on state the store does not hold.
type Recorder struct {
	mu       sync.Mutex
	store    *Store
	onUpdate UpdateHook
}

type RecorderOption func(*Recorder)

func WithStore(store *Store) RecorderOption {
	return func(r *Recorder) { r.store = store }
}

func WithUpdateHook(hook UpdateHook) RecorderOption {
	return func(r *Recorder) { r.onUpdate = hook }
}

func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InitExecution attaches a fresh Execution to the step, or revives the
// existing one. Prior process history is never discarded.
func (r *Recorder) InitExecution(step *model.Step) (*model.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Execution == nil {
		step.Execution = &model.Execution{
			Status:    model.ExecutionStarted,
			Process:   []model.Process{},
			StartedAt: model.Now(),
			UpdatedAt: model.Now(),
		}
	} else if !step.Execution.Terminal() {
		step.Execution.Status = model.ExecutionPending
		step.Execution.UpdatedAt = model.Now()
	}
	return step.Execution, r.flush(step)
}

// FindProcess returns a copy of the named process, if present.
func (r *Recorder) FindProcess(step *model.Step, processType model.ProcessType) (model.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Execution == nil {
		return model.Process{}, false
	}
	for _, proc := range step.Execution.Process {
		if proc.Type == processType {
			return proc, true
		}
	}
	return model.Process{}, false
}

// FindOrCreateProcess returns the named process, creating it with the given
// status when absent. Process types are unique within an execution.
func (r *Recorder) FindOrCreateProcess(step *model.Step, processType model.ProcessType, initial model.ProcessStatus) (model.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Execution == nil {
		step.Execution = &model.Execution{
			Status:    model.ExecutionStarted,
			Process:   []model.Process{},
			StartedAt: model.Now(),
			UpdatedAt: model.Now(),
		}
	}
	for _, proc := range step.Execution.Process {
		if proc.Type == processType {
			return proc, nil
		}
	}
	proc := model.Process{
		Type:      processType,
		Status:    initial,
		StartedAt: model.Now(),
	}
	step.Execution.Process = append(step.Execution.Process, proc)
	step.Execution.UpdatedAt = model.Now()
	return proc, r.flush(step)
}

type ProcessUpdate func(*model.Process)

func WithMessage(message string) ProcessUpdate {
	return func(p *model.Process) { p.Message = message }
}

func WithTxHash(txHash string) ProcessUpdate {
	return func(p *model.Process) { p.TxHash = txHash }
}

func WithTxLink(txLink string) ProcessUpdate {
	return func(p *model.Process) { p.TxLink = txLink }
}

func WithProcessError(message string, code int) ProcessUpdate {
	return func(p *model.Process) { p.Error = &model.ProcessError{Message: message, Code: code} }
}

// UpdateProcess transitions the named process. A terminal process is not
// resurrected: the only permitted mutation after DONE/FAILED is none, and the
// only hash rewrite of a PENDING process is the transaction-replacement
// update, which keeps the PENDING status.
func (r *Recorder) UpdateProcess(step *model.Step, processType model.ProcessType, status model.ProcessStatus, updates ...ProcessUpdate) (model.Process, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Execution == nil {
		return model.Process{}, false, nil
	}
	for i := range step.Execution.Process {
		proc := &step.Execution.Process[i]
		if proc.Type != processType {
			continue
		}
		if proc.Terminal() && proc.Status != status {
			return *proc, false, nil
		}
		proc.Status = status
		for _, update := range updates {
			update(proc)
		}
		if proc.Terminal() && proc.DoneAt == "" {
			proc.DoneAt = model.Now()
		}
		step.Execution.UpdatedAt = model.Now()
		return *proc, true, r.flush(step)
	}
	return model.Process{}, false, nil
}

type ExecutionUpdate func(*model.Execution)

func WithAmounts(fromAmount, toAmount string) ExecutionUpdate {
	return func(e *model.Execution) {
		e.FromAmount = fromAmount
		e.ToAmount = toAmount
	}
}

func WithToToken(token model.Token) ExecutionUpdate {
	return func(e *model.Execution) { e.ToToken = &token }
}

// UpdateExecution transitions the overall execution status. Exactly one
// terminal outcome is recorded: once DONE or FAILED is set, further status
// changes are ignored.
func (r *Recorder) UpdateExecution(step *model.Step, status model.ExecutionStatus, updates ...ExecutionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Execution == nil {
		return nil
	}
	if step.Execution.Terminal() && step.Execution.Status != status {
		return nil
	}
	step.Execution.Status = status
	for _, update := range updates {
		update(step.Execution)
	}
	step.Execution.UpdatedAt = model.Now()
	return r.flush(step)
}

// flush notifies the hook first so progress is still observable when the
// durable write fails.
func (r *Recorder) flush(step *model.Step) error {
	if r.onUpdate != nil {
		r.onUpdate(step)
	}
	if r.store != nil {
		return r.store.Save(*step)
	}
	return nil
}
