/*
Package log provides structured logging for prezel built on zerolog.

All components log through the shared Logger configured by Init. Child
loggers carry a component field so output from the workers, the proxy and
the container actors can be told apart:

	logger := log.WithComponent("build-worker")
	logger.Info().Str("deployment", id).Msg("build started")
*/
package log
