// Package app wires the license service together: configuration,
// logging, metrics, the signed registry store, the issuance service,
// and the chi router, with graceful startup and shutdown.
package app
