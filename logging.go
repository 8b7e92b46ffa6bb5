// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import "go.uber.org/zap"

// nopLogger is used whenever Options.Logger is left unset, so the rest of
// the package can log unconditionally without nil checks.
func nopLogger() *zap.Logger {
	return zap.NewNop()
}
