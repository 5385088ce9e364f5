// Package relay fans invalidations out to every process serving a user. A
// BusRelay publishes through a shared domain.Transport and feeds received
// messages into the local hub; a LocalRelay only reaches this process.
package relay
