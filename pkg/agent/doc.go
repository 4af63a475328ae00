// Package agent implements the per-agent transaction coordinator: every
// message is threaded through begin, dispatch, prepare, persist and commit
// across the agent's ordered transactional children, with abort on
// recoverable failures and forced shutdown on ambiguous ones.
//
// Invariants:
// - Messages for one agent are serialized through its mailbox queue; no two
//   transactions for the same agent ever interleave.
// - A transition is acknowledged only after the ownership-guarded checkpoint
//   write succeeded.
// - Exactly one completion reaches the caller per message.
package agent
