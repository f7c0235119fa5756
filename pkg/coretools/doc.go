// Package coretools registers the built-in research tools: http_fetch,
// stash_read, current_time and ask_user.
//
// Expected failures such as a bad URL or an HTTP error status are returned
// as error-status results so the planner can see them and adjust.
package coretools
