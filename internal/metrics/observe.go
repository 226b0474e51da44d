package metrics

import "github.com/loykin/gamewatch/internal/eventbus"

// cpuMetricName matches the metric entry the monitor emits per stuck-check sample.
const cpuMetricName = "server_cpu_spent"

// Observe mirrors bus traffic into the collectors: state transitions and CPU
// samples. The returned handles detach the listeners.
func Observe(b *eventbus.Bus) []eventbus.Handle {
	return []eventbus.Handle{
		eventbus.On(b, eventbus.StateChanged, func(sc eventbus.StateChange) error {
			RecordStateTransition(sc.Previous, sc.New)
			return nil
		}),
		eventbus.On(b, eventbus.MetricEntries, func(me eventbus.MetricEntry) error {
			if me.Name == cpuMetricName {
				SetCPUSpent(me.Value)
			}
			return nil
		}),
	}
}
