// Package storage persists delivery history.
//
// It is optional: with driver "none" the relay runs purely on the
// line-file state and nothing is recorded here.
package storage
