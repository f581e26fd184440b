//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Builds tagged with sqlite_vec get the vec0 virtual table on every
// connection; without the tag SearchChunks falls back to brute-force
// cosine over the stored vectors.
func init() {
	vec.Auto()
}
