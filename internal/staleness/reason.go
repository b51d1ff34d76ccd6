// Package staleness decides whether a target's recorded value is still valid.
//
// A target is current when its fingerprint matches its latest history record
// and that record succeeded with its value still stored. Otherwise it is
// outdated, with a single coarse reason naming the class of input that changed.
// The detector never tells which object inside a dependency changed.
package staleness

// Class is the staleness classification of a target.
type Class string

const (
	ClassCurrent          Class = "current"
	ClassOutdatedDirect   Class = "outdated-direct"
	ClassOutdatedUpstream Class = "outdated-upstream"
)

// Reason is the class of input that made a target outdated.
//
// The string values appear in traces, logs and CLI output.
type Reason string

const (
	ReasonNone              Reason = "none"
	ReasonMissingRecord     Reason = "missing-record"
	ReasonPreviousFailure   Reason = "previous-failure"
	ReasonCommandChanged    Reason = "command-changed"
	ReasonDependencyChanged Reason = "dependency-changed"
	ReasonGlobalChanged     Reason = "global-changed"
	ReasonSeedChanged       Reason = "seed-changed"
	ReasonFileChanged       Reason = "file-changed"
	ReasonMissingContent    Reason = "missing-content"
	ReasonUpstreamOutdated  Reason = "upstream-outdated"
	ReasonTriggerCondition  Reason = "trigger-condition"
)
