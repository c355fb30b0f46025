// SPDX-License-Identifier: GPL-3.0-or-later

// Package privsvc provides the composable primitives shared by every
// component of the interactive privileged network helper: the undo
// ledger, the wire codec, structured logging, error classification, and
// the generic Func/Compose pipeline used to bracket privileged
// operations with start/done log events.
//
// # Core Abstraction
//
// The package is built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode
// and one failure mode. internal/session builds its per-frame request
// path with [Compose3]: a decode stage ([]byte to [Request]), a dispatch
// stage ([Request] to [Ack]), and an encode stage ([Ack] to []byte),
// chained the same way a dial step chains into a handshake step in a
// network pipeline.
//
// # Available Primitives
//
//   - [Ledger]: per-session undo ledger (component A of the design)
//   - [DecodeRequest]/[EncodeAck]: the fixed binary request/ack codec (component C)
//   - [SLogger]: structured logging abstraction, compatible with [log/slog]
//   - [ErrClassifier]: maps an error to a short classification string for logs
//   - [Config]: process-wide settings and defaults
//   - [NewSpanID]: per-session correlation identifier (UUIDv7)
//
// Composition utilities:
//   - [Compose2] through [Compose8]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//
// The privileged actuators themselves (network state, DNS configuration,
// firewall, ring buffers, session orchestration, the accept-loop
// dispatcher) live under internal/, each in its own package, because they
// depend on Windows-only syscalls this package does not need.
//
// # Observability
//
// All primitives support structured logging via [SLogger]. By default,
// logging is disabled ([DefaultSLogger]); set [Config.Logger] to a real
// *slog.Logger to enable it. Error classification is configurable via
// [ErrClassifier]; by default, errors are classified with the errclass
// package ([DefaultErrClassifier]).
//
// Two kinds of events are emitted:
//
//   - Span events (*Start/*Done pairs): record operation lifecycle,
//     timing, and success/failure. Used for every privileged mutation
//     (address, route, DNS, firewall, ring buffer).
//
//   - I/O observations (pipeRead/pipeWrite/pipePeek): per-call
//     observability for the async pipe layer.
//
// All events share localAddr-equivalent fields where meaningful (pipe
// name, interface alias) and a t (timestamp). Completion events (*Done)
// additionally include t0 (start time), err, and errClass. I/O-level
// events are emitted at [slog.LevelDebug]; lifecycle events at
// [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7)
// for each session, then attach it to the logger with
// [*slog.Logger.With]. All log entries for that session share the same
// spanID, enabling correlation across the request stream.
//
// # Design Boundaries
//
// This package intentionally provides only primitives shared across
// components. Per-component orchestration (the session state machine,
// the dispatcher accept loop) lives in internal/ and is deliberately not
// exposed here, to keep this package's compositional surface small.
package privsvc
