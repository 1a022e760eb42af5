package flowpg

// Version is the current flowpg version
const Version = "1.0.0"

// DefaultInteractRetries is how many times a turn is retried after a
// revision conflict before the error surfaces. Each retry reloads the
// session, so a conflict caused by a completed background task resolves on
// the first reload.
const DefaultInteractRetries = 3
