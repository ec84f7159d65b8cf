// Package policy embeds the Open Policy Agent engine to decide which bricks may
// execute on the privileged remote surface.
//
// RemoteGate evaluates data.bricks.remote.decision with the brick id and its
// declared capabilities as input and expects {"allow": bool, "reason": string}.
// The default module allows a configured list of bricks; operators can replace
// it with their own Rego modules.
package policy
