package projection

import (
	"errors"
	"fmt"

	"taskviews/internal/model"
)

// Outcome 一次投影中单个视图的处理结果
type Outcome string

const (
	OutcomeWritten Outcome = "written"
	OutcomeDeleted Outcome = "deleted"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ViewFailure reports a single view that could not be recomputed or stored.
type ViewFailure struct {
	Key model.ViewKey
	Err error
}

func (f ViewFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Key, f.Err)
}

func (f ViewFailure) Unwrap() error { return f.Err }

// Result collects the per-view outcomes of one projection call.
type Result struct {
	Keys     []model.ViewKey
	Outcomes map[model.ViewKey]Outcome
	Failures []ViewFailure
}

// NewResult 空结果，用于合并多次调用
func NewResult() *Result {
	return &Result{Outcomes: make(map[model.ViewKey]Outcome)}
}

func (r *Result) record(key model.ViewKey, outcome Outcome, err error) {
	if _, seen := r.Outcomes[key]; !seen {
		r.Keys = append(r.Keys, key)
	}
	if err != nil {
		outcome = OutcomeFailed
		r.Failures = append(r.Failures, ViewFailure{Key: key, Err: err})
	}
	r.Outcomes[key] = outcome
}

// Merge 把 o 合并进 r，任一方失败的 key 仍记为失败
func (r *Result) Merge(o *Result) {
	if o == nil {
		return
	}
	for _, k := range o.Keys {
		if r.Outcomes[k] == OutcomeFailed {
			continue
		}
		if _, seen := r.Outcomes[k]; !seen {
			r.Keys = append(r.Keys, k)
		}
		r.Outcomes[k] = o.Outcomes[k]
	}
	r.Failures = append(r.Failures, o.Failures...)
}

func (r *Result) finish() *Result {
	model.SortViewKeys(r.Keys)
	return r
}

// Keyed 返回指定结果的 key，已排序
func (r *Result) Keyed(outcome Outcome) []model.ViewKey {
	var out []model.ViewKey
	for _, k := range r.Keys {
		if r.Outcomes[k] == outcome {
			out = append(out, k)
		}
	}
	model.SortViewKeys(out)
	return out
}

// Err joins every view failure, or returns nil.
func (r *Result) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// FailureRecords 把失败转换成重试台账记录，每个 key 一条
func (r *Result) FailureRecords() []model.ViewFailureRecord {
	if r == nil {
		return nil
	}
	seen := make(map[model.ViewKey]int, len(r.Failures))
	var out []model.ViewFailureRecord
	for _, f := range r.Failures {
		if i, ok := seen[f.Key]; ok {
			out[i].LastError = f.Err.Error()
			continue
		}
		seen[f.Key] = len(out)
		out = append(out, model.ViewFailureRecord{Key: f.Key, Status: model.FailurePending, LastError: f.Err.Error()})
	}
	return out
}
