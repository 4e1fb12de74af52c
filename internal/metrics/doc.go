// Package metrics provides Prometheus metrics for observability.
//
// Every recorder in this package implements the narrow recorder interface of
// the package it observes, so those packages never import Prometheus:
//
//	reg := metrics.NewRegistry()
//	store := datastore.NewInstrumentedStore(backend, reg.Datastore)
//	c := cache.New(cache.WithRecorder(reg.Cache))
//	coord := optimistic.NewCoordinator(c, ..., optimistic.WithRecorder(reg.Mutations))
//
//	srv, err := reg.Serve(":9090")
//
// All metrics live in the "tally" namespace.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every metric name.
const Namespace = "tally"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// Set bundles every recorder registered on one registry.
type Set struct {
	Datastore   *DatastoreMetrics
	ObjectStore *ObjectStoreMetrics
	Cache       *CacheMetrics
	Mutations   *MutationMetrics
	Realtime    *RealtimeMetrics
	HTTP        *HTTPMetrics
}

// NewSet creates and registers all recorders on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		Datastore:   NewDatastoreMetricsWithRegistry(reg),
		ObjectStore: NewObjectStoreMetricsWithRegistry(reg),
		Cache:       NewCacheMetricsWithRegistry(reg),
		Mutations:   NewMutationMetricsWithRegistry(reg),
		Realtime:    NewRealtimeMetricsWithRegistry(reg),
		HTTP:        NewHTTPMetricsWithRegistry(reg),
	}
}
