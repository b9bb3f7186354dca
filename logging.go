package channel

import "go.uber.org/zap"

var logger = newDefaultLogger()

func newDefaultLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLogger installs the logger used for diagnostics: retry-cap warnings,
// network send/receive errors, and repeated close/cancel warnings. Passing
// nil is a no-op.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}
