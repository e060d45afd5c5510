// Package analytics creates the tracker that batch upload events are sent with.
package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory ...
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	SessionIDEnvKey = "BATCHUPLOAD_SESSION_ID"
	SessionID       = "session_id"
	OptOutEnvKey    = "BATCHUPLOAD_ANALYTICS_DISABLED"
)

// NewBatchTracker creates a tracker that tags every event with the session id of the environment.
func NewBatchTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	if repository.Get(OptOutEnvKey) == "true" {
		return nil, fmt.Errorf("analytics disabled by %s", OptOutEnvKey)
	}
	sessionID := repository.Get(SessionIDEnvKey)
	if sessionID == "" {
		return nil, fmt.Errorf("no session ID found")
	}
	return trackerFactory(logger, analytics.Properties{SessionID: sessionID}), nil
}

// NewDefaultBatchTracker ...
func NewDefaultBatchTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewBatchTracker(repository, logger, analytics.NewDefaultTracker)
}
