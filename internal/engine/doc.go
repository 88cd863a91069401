// Package engine implements the intent scheduler.
//
// An intent moves through
//
//	submitted → planned → ready → executing → success | failure | cancelled | timeout
//
// Submit plans the intent with the constraint solver. A planned intent becomes
// ready once every intent it depends on has succeeded, and ready intents are
// admitted by priority, then by submission order. Run drives admission and
// executes admitted intents on a bounded worker pool.
//
// EXECUTION MODEL:
//
// Each intent runs on its own goroutine with its own register machine; the
// machines share one nullifier set so a linear resource consumed by one
// intent cannot be consumed by another. Within an intent the plan's steps
// run one at a time in plan order, which respects dependency edges. Every
// step is recorded in the temporal effect graph before it starts and
// completed with its outputs and consumed resources afterwards.
//
// Cancellation and timeouts are cooperative: the intent's context is checked
// between steps and at every blocking bridge call. Locks taken on behalf of
// an intent are released on every exit path.
//
// A failing intent keeps the outputs of the successful steps no other step
// depends on, and its outcome names the first failing effect.
package engine
