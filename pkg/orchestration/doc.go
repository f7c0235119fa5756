// Package orchestration runs workflow tasks against the task event hub:
// it maps each run's outcome to exactly one terminal or suspending status,
// resumes suspended tasks on a bounded worker pool once a human answers,
// and answers fan-out sub-queries with full workflow runs.
package orchestration
