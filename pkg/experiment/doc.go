// Package experiment defines the domain model shared by every component of
// the engine: experiments, group metrics, assignments, analysis results and
// campaign recommendations, plus the error taxonomy returned across package
// boundaries.
//
// Derived quantities such as conversion rate are methods over raw counts and
// are recomputed on every call. Nothing in this package performs I/O.
package experiment
