package config

import "github.com/spokehub/registry/pkg/observability"

func newTestLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, nil)
}
