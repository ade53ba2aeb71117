// Package metrics exposes connection-establishment health as Prometheus
// collectors.
//
// A Monitor is optional everywhere it is accepted: every method is safe to
// call on a nil *Monitor, so components record unconditionally and callers
// that do not care about metrics simply pass nil.
//
//	reg := prometheus.NewRegistry()
//	mon, err := metrics.NewMonitor(reg)
//	if err != nil {
//	    return err
//	}
//	orch := connection.NewOrchestrator(strategies, signaler, connection.WithMonitor(mon))
package metrics
