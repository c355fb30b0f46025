// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import "context"

// Notifier tells the OS resolver to reload its configuration after a
// mutation. The reload has two parts: a WNF publish of the
// group-policy-changes notification, performed only when the mutation
// landed in the group-policy scope, and a parameter-change control sent
// to the Dnscache service.
//
// Implementations: [NewSystemNotifier] (Windows only) and the
// per-package test fakes.
type Notifier interface {
	Reload(ctx context.Context, gpScope bool) error
}
