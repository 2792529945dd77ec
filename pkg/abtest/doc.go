// Package abtest is the experiment service: creating and ending
// experiments, assigning subjects, running analyses on demand and serving
// the result history. Handler exposes it over HTTP and ResultsHub streams
// new analysis results to websocket clients.
package abtest
