/*
Package log provides structured logging for UnifiedLab built on zerolog.

Call Init once at process start, then derive component-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("coordinator")
	logger.Info().Str("job_id", id).Msg("Job granted")

Console output is the default; JSON output is available for ingestion into
log aggregators.
*/
package log
