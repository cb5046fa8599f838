// Package index provides the two-way attribute index: which users hold an
// attribute and which attributes a user holds.
//
// Both implementations keep the two directions in one place and implement
// interfaces.IndexPairRemover, so a revocation removes a pair from both
// directions atomically. CheckMirror reports pairs present in only one
// direction.
package index
