package pipeline

import "github.com/jmylchreest/fetcharr/internal/models"

// Correlation ids tie a paused execution to the event that resumes it. Encode
// waits use the bare encoder job id so the dispatcher callbacks can resume by
// the id they already carry; everything else is prefixed by what it waits on.

// RetryCorrelation marks an execution parked on the executor's own retry
// timer.
func RetryCorrelation(executionID models.ULID) string {
	return "retry:" + executionID.String()
}

// IsRetryCorrelation reports whether the correlation belongs to a retry
// timer, used to re-arm timers lost to a restart.
func IsRetryCorrelation(correlationID string) bool {
	return len(correlationID) > 6 && correlationID[:6] == "retry:"
}

// DownloadCorrelation marks an execution waiting on a torrent download.
func DownloadCorrelation(downloadID models.ULID) string {
	return "download:" + downloadID.String()
}

// QualityCorrelation marks an execution waiting for a user to accept a
// below-quality release.
func QualityCorrelation(requestID models.ULID) string {
	return "quality:" + requestID.String()
}

// ApprovalCorrelation marks an execution waiting on an approval gate.
func ApprovalCorrelation(approvalID string) string {
	return "approval:" + approvalID
}
