/*
Package log provides structured logging for robocurse using zerolog.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers carry a fixed set of fields through a component's
lifetime instead of repeating them on every call site:

	runLog := log.WithRun(runID)
	runLog.Info().Str("profile", profile.Name).Msg("run started")

	chunkLog := log.WithChunk(chunk.ID)
	chunkLog.Warn().Int("attempt", chunk.Attempt).Msg("chunk retrying")

# Design

A single global zerolog.Logger is configured once via Init. No
component holds a logger built at construction: packages that log
derive a child logger from the global (WithRun, WithChunk, WithProfile,
WithComponent) at the call site, so structured fields (run id, profile,
chunk id) ride along with each entry, or call the global helpers
(Info, Debug, Warn, Error) directly. The chunker and health publisher
do not log.
*/
package log
