// Package coordinator runs the per-tale pipeline: check the policy, guard
// against duplicate runs, execute, deliver, persist, and re-arm.
package coordinator
