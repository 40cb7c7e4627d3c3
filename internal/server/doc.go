// Package server hosts the Fiber HTTP service and the controller that plays
// the host runtime for worker versions. The controller registers a worker
// (install, skip waiting, activate, claim), keeps the active one behind an
// atomic pointer and drains superseded workers in the background. The Fiber
// app binds each request to the active worker and hands it to a ProxyHandler.
package server
