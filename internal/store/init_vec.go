//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Auto-load sqlite-vec into every go-sqlite3 connection, so the
	// vec_records virtual table works without per-connection setup.
	vec.Auto()
}
