// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import "weak"

// Task is a weak reference to a submitted Executable: it doesn't keep the Executable alive.
type Task struct {
	value func() Executable
}

// MakeTask returns a Task referring to e.
func MakeTask[E any, P interface {
	*E
	Executable
}](e P) Task {
	ptr := weak.Make((*E)(e))
	return Task{value: func() Executable {
		if strong := ptr.Value(); strong != nil {
			return P(strong)
		}
		return nil
	}}
}

// Value returns the Executable, or nil if it has been garbage collected.
func (t Task) Value() Executable {
	if t.value == nil {
		return nil
	}
	return t.value()
}

// Is returns whether the task refers to e, which must not be nil.
func (t Task) Is(e Executable) bool {
	value := t.Value()
	return value != nil && value == e
}

// TaskList is the ordered list of weakly referenced tasks of an executor.
type TaskList []Task

// Insert places task, referring to exec, relative to ref, see Executor.Submit.
// It returns false, leaving the list unchanged, if ref is not found.
func (l *TaskList) Insert(task Task, exec, ref Executable, after bool) bool {
	if exec == ref {
		*l = append(*l, task)
		return true
	}
	for ii, t := range *l {
		if !t.Is(ref) {
			continue
		}
		pos := ii
		if after {
			pos++
		}
		*l = append((*l)[:pos], append([]Task{task}, (*l)[pos:]...)...)
		return true
	}
	return false
}

// Live returns the executables still alive, in order.
func (l TaskList) Live() []Executable {
	result := make([]Executable, 0, len(l))
	for _, t := range l {
		if e := t.Value(); e != nil {
			result = append(result, e)
		}
	}
	return result
}
