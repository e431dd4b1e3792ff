/*
Package log holds the process-wide zerolog Logger and helpers that
derive child loggers from it.

Init sets the global level from Config.Level (DebugLevel, InfoLevel,
WarnLevel or ErrorLevel; any other value means info) and writes to
Config.Output, or to stdout when Output is nil. With JSONOutput set each
entry is one JSON object; otherwise zerolog's console writer is used
with RFC 3339 timestamps. Every entry carries a timestamp.

WithComponent, WithWorkerID, WithTaskID and WithDriver return a child
logger with one extra field (component, worker_id, task_id, driver).
Info, Debug, Warn, Error, Errorf and Fatal log one message through the
global Logger; Fatal then exits the process.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stderr})
	logger := log.WithComponent("queue")
	logger.Info().Str("worker", "w1").Msg("worker joined")
*/
package log
