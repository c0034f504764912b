// Package agent drives the goal lifecycle: setup, planning, executing
// and summarizing. Tasks run strictly one at a time; the stop flag is
// honoured only between phases and between tasks, never mid-call.
//
// The planner, executor and summarizer are external collaborators
// supplied as interfaces, so the package stays agnostic about how a
// task is actually carried out. Every state change is mirrored to an
// event sink, which is what clients rely on to explain why a run
// stopped.
package agent
