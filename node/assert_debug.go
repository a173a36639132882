//go:build debug
// +build debug

package node

import "go.uber.org/zap"

// invariant panics in debug builds so a broken connection table or timer
// bookkeeping surfaces at the call site.
func invariant(_ *zap.Logger, ok bool, msg string, fields ...zap.Field) {
	if !ok {
		panic("node: " + msg)
	}
}
