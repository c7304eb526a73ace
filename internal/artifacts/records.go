package artifacts

import (
	"time"

	"humanbrowse/internal/steps"
)

// Status is the lifecycle state of a run, also used for individual step records.
type Status string

const (
	StatusRunning           Status = "running"
	StatusOK                Status = "ok"
	StatusError             Status = "error"
	StatusPolicyViolation   Status = "policy_violation"
	StatusNeedsManualAssist Status = "needs_manual_assist"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusError, StatusPolicyViolation, StatusNeedsManualAssist:
		return true
	}
	return false
}

// RecordType discriminates lines in run.jsonl.
type RecordType string

const (
	RecordStep            RecordType = "step"
	RecordNote            RecordType = "note"
	RecordPolicyViolation RecordType = "policy_violation"
)

// NoteKind identifies which extraction produced a note.
type NoteKind string

const (
	NoteReadable NoteKind = "readable_extract"
	NoteExtract  NoteKind = "extract"
	NoteLinks    NoteKind = "links"
	NoteQuote    NoteKind = "quote"
)

// ViolationKind identifies the rule a run broke.
type ViolationKind string

const (
	ViolationMaxSteps      ViolationKind = "max_steps_per_run"
	ViolationMaxRuntime    ViolationKind = "max_total_runtime_s"
	ViolationDomainBlocked ViolationKind = "domain_blocked"
)

// StepRecord is written once per attempted step.
type StepRecord struct {
	Type      RecordType             `json:"type"`
	Index     int                    `json:"index"`
	Timestamp time.Time              `json:"timestamp"`
	Step      steps.Tagged           `json:"step"`
	Status    Status                 `json:"status"`
	Result    map[string]interface{} `json:"result"`
}

// NewStepRecord stamps a step record with the current time.
func NewStepRecord(index int, step steps.Step, status Status, result map[string]interface{}) StepRecord {
	if result == nil {
		result = map[string]interface{}{}
	}
	return StepRecord{
		Type:      RecordStep,
		Index:     index,
		Timestamp: now(),
		Step:      steps.Tagged{Step: step},
		Status:    status,
		Result:    result,
	}
}

// Evidence points at artifacts captured alongside a note.
type Evidence struct {
	HTML string `json:"html,omitempty"`
}

// NoteRecord carries extracted content.
type NoteRecord struct {
	Type      RecordType  `json:"type"`
	NoteKind  NoteKind    `json:"note_kind"`
	URL       string      `json:"url"`
	Title     string      `json:"title"`
	Timestamp time.Time   `json:"timestamp"`
	Content   interface{} `json:"content"`
	Evidence  Evidence    `json:"evidence"`
}

// NewNoteRecord stamps a note with the current time. htmlPath may be empty.
func NewNoteRecord(kind NoteKind, url, title string, content interface{}, htmlPath string) NoteRecord {
	return NoteRecord{
		Type:      RecordNote,
		NoteKind:  kind,
		URL:       url,
		Title:     title,
		Timestamp: now(),
		Content:   content,
		Evidence:  Evidence{HTML: htmlPath},
	}
}

// PolicyViolationRecord explains why a run was stopped by a rule.
type PolicyViolationRecord struct {
	Type      RecordType    `json:"type"`
	Kind      ViolationKind `json:"kind"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	StepIndex *int          `json:"step_index,omitempty"`
	Step      *steps.Tagged `json:"step,omitempty"`
}

// NewPolicyViolation builds a violation record. index < 0 omits the step
// index; a nil step omits the step.
func NewPolicyViolation(kind ViolationKind, message string, index int, step steps.Step) PolicyViolationRecord {
	rec := PolicyViolationRecord{
		Type:      RecordPolicyViolation,
		Kind:      kind,
		Message:   message,
		Timestamp: now(),
	}
	if index >= 0 {
		rec.StepIndex = &index
	}
	if step != nil {
		rec.Step = &steps.Tagged{Step: step}
	}
	return rec
}

var now = func() time.Time { return time.Now().UTC() }
