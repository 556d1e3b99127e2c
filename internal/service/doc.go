package service

// Package service ties the worker together: the Loop polls the queue and
// the Pipeline drives one job at a time through the host application.
//
// Overview
// The Loop owns the outer cycle. It fetches at most one job per poll,
// journals the attempt, hands the job to the Pipeline, reports the result
// back (best effort) and archives every artifact in a guaranteed cleanup
// step. It never runs two jobs concurrently, the host application is a
// single-focus GUI tool.
//
// The Pipeline owns one job. Order is fixed: supervision, prime command,
// generation command, output stabilization, confirmation check, slicing.
// A failed stage aborts the rest and comes back as *StageError, retry
// happens only at the next poll against a fresh job.
//
// Data flow:
//
//   Loop                 Pipeline                external tools
//     |                      |                        |
//   Next() -> job ---------->|                        |
//     |                      | EnsureRunning -------->| host app
//     |                      | Command(generate) ---->| control CLI
//     |                      | Await(mesh)            | (filesystem)
//     |                      | Slice(mesh, pkg) ----->| slicer CLI
//     |<----- Product -------|                        |
//   Report(), Archive()      |                        |
//
// Invariants:
//   - At most one job in flight, ever.
//   - Supervision finishes (either way) before any command is sent.
//   - Stabilization finishes before slicing starts.
//   - Archival runs after reporting, success or failure.
//   - Every wait is bounded and abortable by ctx.
//
// internal/service/loop_test.go shows the intended wiring of Loop,
// Pipeline and the queue client.
