// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import (
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config holds the service-wide settings named in the data model as
// "Service settings": process-wide and immutable after startup.
//
// Pass this to constructor functions to pre-wire dependencies. All
// fields have sensible defaults set by [NewConfig]; the caller
// (cmd/privsvcd) overrides the deployment-specific ones (EnginePath,
// AdminGroupName, ServiceAccountName, PipeNameSuffix) from flags.
type Config struct {
	// EnginePath is the absolute path to the engine executable the
	// session worker launches after a client authenticates.
	EnginePath string

	// AdminGroupName is the local or domain group whose membership
	// exempts a client from option-vector validation failures.
	AdminGroupName string

	// ServiceAccountName is the account the service itself runs as;
	// used to resolve the service SID embedded in the child process DACL.
	ServiceAccountName string

	// ChildPriority is the process creation priority class applied to
	// the launched engine.
	ChildPriority uint32

	// PipeNameSuffix distinguishes pipe instances when more than one
	// product variant or instance runs side by side on the same host.
	PipeNameSuffix string

	// CheckOption validates a single engine option against policy. The
	// policy itself (the predicate body) is an external collaborator
	// per the design notes; this field only wires the collaborator in.
	// A nil CheckOption accepts every option, which is the permissive
	// default used by tests.
	CheckOption func(opt string) bool

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Logger receives structured log events from every component.
	//
	// Set by [NewConfig] to [DefaultSLogger] (discards everything).
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// PipeIOTimeout bounds non-peek async pipe reads/writes (component B).
	//
	// Set by [NewConfig] to 2 seconds, per the design's async pipe contract.
	PipeIOTimeout time.Duration

	// ChildExitTimeout is how long teardown waits for the engine child
	// to exit before forcibly terminating it.
	//
	// Set by [NewConfig] to 2 seconds.
	ChildExitTimeout time.Duration

	// DNSRegisterSemaphoreTimeout bounds how long a register-DNS request
	// waits to acquire the process-wide register-DNS semaphore before
	// failing, and also bounds the ipconfig invocations it guards.
	//
	// Set by [NewConfig] to 600 seconds.
	DNSRegisterSemaphoreTimeout time.Duration

	// NetshTimeout bounds netsh.exe invocations (WINS, DHCP).
	//
	// Set by [NewConfig] to 30 seconds.
	NetshTimeout time.Duration

	// RDNSSemaphore serializes register-DNS requests across every
	// session in the process. The concurrency model requires this to
	// be a process-lifetime resource with count 1; it is a Config
	// field rather than a package-level variable so that tests can
	// construct independent instances.
	//
	// Set by [NewConfig] to a fresh weighted semaphore of weight 1.
	RDNSSemaphore *semaphore.Weighted
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		ErrClassifier:               DefaultErrClassifier,
		Logger:                      DefaultSLogger(),
		TimeNow:                     time.Now,
		PipeIOTimeout:               2 * time.Second,
		ChildExitTimeout:            2 * time.Second,
		DNSRegisterSemaphoreTimeout: 600 * time.Second,
		NetshTimeout:                30 * time.Second,
		RDNSSemaphore:               semaphore.NewWeighted(1),
	}
}

// pipeProduct is the product component of every pipe name.
const pipeProduct = "ovpn3"

// ClientPipeName returns the name of the pipe on which the service
// accepts client connections: \\.\pipe\<product>[<suffix>]\service.
func (c *Config) ClientPipeName() string {
	return fmt.Sprintf(`\\.\pipe\%s%s\service`, pipeProduct, c.PipeNameSuffix)
}

// EnginePipeName returns the name of the private pipe a session worker
// creates for its engine child, distinguished by the worker id:
// \\.\pipe\<product>[<suffix>]\service_<tid>.
func (c *Config) EnginePipeName(tid uint32) string {
	return fmt.Sprintf(`\\.\pipe\%s%s\service_%d`, pipeProduct, c.PipeNameSuffix, tid)
}
