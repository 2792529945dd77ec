// Package stats holds the statistical primitives used by experiment analysis:
// the 2x2 chi-squared test of independence with Yates continuity correction,
// post-hoc power, required sample size, and the rounding rules applied to
// reported values.
//
// Rounding rules:
//
//	rates, p-values, test statistics   4 decimal places
//	percentages                        2 decimal places
//	power                              3 decimal places
//
// Rounding is applied once, when a result is reported. Decisions such as
// significance use the unrounded values, so a reported p-value of exactly
// alpha may still be flagged significant.
package stats
