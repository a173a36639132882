//go:build !debug
// +build !debug

package node

import "go.uber.org/zap"

func invariant(logger *zap.Logger, ok bool, msg string, fields ...zap.Field) {
	if !ok {
		logger.Error(msg, fields...)
	}
}
