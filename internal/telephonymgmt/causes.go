package telephonymgmt

// Cause is a Q.850 disconnect cause code as reported by the management
// socket on a Hangup event.
type Cause int

const (
	// CauseUnknown (0) is not a real Q.850 code but shows up on some
	// management sockets when the switch never received a final cause;
	// the listener treats it as context-dependent based on ring duration.
	CauseUnknown             Cause = 0
	CauseUnallocatedNumber   Cause = 1
	CauseNormalClearing      Cause = 16
	CauseUserBusy            Cause = 17
	CauseNoUserResponding    Cause = 18
	CauseNoAnswer            Cause = 19
	CauseCallRejected        Cause = 21
	CauseNumberChanged       Cause = 22
	CauseNoCircuitAvailable  Cause = 34
	CauseNetworkOutOfOrder   Cause = 38
	CauseNormalUnspecified   Cause = 31
	CauseTemporaryFailure    Cause = 41
	CauseSwitchCongestion    Cause = 42
	CauseRequestedChanNotAvail Cause = 44
	CauseRecoveryOnTimerExpiry Cause = 102
)

var causeDescriptions = map[Cause]string{
	CauseUnallocatedNumber:     "Unallocated number",
	CauseNormalClearing:        "Normal clearing",
	CauseUserBusy:              "Busy",
	CauseNoUserResponding:      "No answer (no user responding)",
	CauseNoAnswer:              "No answer (no user responding)",
	CauseCallRejected:          "Call rejected",
	CauseNumberChanged:         "Number changed",
	CauseNoCircuitAvailable:    "No circuit available",
	CauseNetworkOutOfOrder:     "Network out of order",
	CauseNormalUnspecified:     "Normal, unspecified",
	CauseTemporaryFailure:      "Temporary failure",
	CauseSwitchCongestion:      "Switch congestion",
	CauseRequestedChanNotAvail: "Requested channel not available",
	CauseRecoveryOnTimerExpiry: "Recovery on timer expiry",
}

// Description returns a human-readable description of cause, falling back
// to a generic label for any code not in the table above.
func Description(cause Cause) string {
	if d, ok := causeDescriptions[cause]; ok {
		return d
	}
	return "Unspecified failure"
}

// IsNormalClearing reports whether cause indicates the call ended the way
// the primary control plane already expects (no voice:failed needed).
func IsNormalClearing(cause Cause) bool {
	return cause == CauseNormalClearing || cause == CauseNormalUnspecified
}
