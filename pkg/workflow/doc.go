// Package workflow runs a research request through a fixed graph of nodes:
// a router, a planner/tool/reflector loop and a synthesizer, with a
// suspension point for human input.
//
// Nodes never mutate the SessionState they are given. They return a Patch
// that the Engine merges: scalar fields overwrite when set, list fields
// append. Raw tool output is kept in an object store and the state only
// carries DataReference summaries of it.
//
// A suspended run is resumed by calling Run again with
// SessionState.PrepareResume; the graph is re-entered at the router.
package workflow
