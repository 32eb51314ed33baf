package rewardsd

import "lpmining/observability"

// Metrics exposes Prometheus collectors for rewardsd instrumentation.
type Metrics = observability.RewardsdMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Rewardsd() }
