// Package hooks is the typed extension-point bus. Listeners attach to
// enumerated hook identifiers with a fixed payload shape per hook and run
// synchronously in registration order.
//
// Observer hooks (instance lifecycle) never veto: a failing listener is
// logged and the action proceeds. The SecurityCheck hook is the one decider:
// no listeners defaults to allow, a listener error defaults to deny.
package hooks
