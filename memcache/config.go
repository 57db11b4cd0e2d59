package memcache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls a Cache. Use DefaultConfig as the starting point; the zero
// value of a limit field means unbounded.
type Config[K comparable, V any] struct {
	// Name appears in logs and in the cache's String form only.
	Name string

	// CountLimit bounds the number of entries. 0 means unbounded.
	CountLimit int
	// CostLimit bounds the sum of entry costs. 0 means unbounded.
	CostLimit int
	// AgeLimit bounds how long an entry may stay without being touched.
	// 0 means unbounded. Enforced by the background trim, not on Get.
	AgeLimit time.Duration

	// AutoTrimInterval is the period of the background trim task.
	AutoTrimInterval time.Duration

	// ReleaseAsynchronously routes evicted entries to the cache's serial
	// release worker so value release hooks never run on the caller.
	ReleaseAsynchronously bool
	// ReleaseOnMainThread routes release to MainExecutor instead. Only
	// consulted when ReleaseAsynchronously is false.
	ReleaseOnMainThread bool
	// MainExecutor stands in for a host main dispatch context. Required
	// for ReleaseOnMainThread to take effect.
	MainExecutor func(func())

	// OnRelease runs once per evicted entry, routed per the flags above.
	OnRelease func(key K, value V)

	// RemoveAllOnMemoryPressure clears the cache when the Notifier
	// delivers SignalMemoryPressure.
	RemoveAllOnMemoryPressure bool
	// RemoveAllOnBackground clears the cache when the Notifier delivers
	// SignalBackground.
	RemoveAllOnBackground bool
	// OnMemoryPressure and OnBackground run before the corresponding clear.
	OnMemoryPressure func()
	OnBackground     func()

	// Notifier delivers host lifecycle signals. Optional.
	Notifier Notifier

	// Logger receives eviction and trim diagnostics. Defaults to the
	// standard logrus logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the configuration documented in Config: unbounded
// limits, a 5 second trim period, asynchronous release, and clear-on-signal
// enabled.
func DefaultConfig[K comparable, V any]() *Config[K, V] {
	return &Config[K, V]{
		Name:                      "memcache",
		AutoTrimInterval:          5 * time.Second,
		ReleaseAsynchronously:     true,
		RemoveAllOnMemoryPressure: true,
		RemoveAllOnBackground:     true,
	}
}
