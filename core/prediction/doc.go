// Package prediction supplies delivery delay risk scores. Scores are treated
// as an opaque input in [0,1]; the engines here are heuristics, not learned
// models.
package prediction
