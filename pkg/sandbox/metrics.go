package sandbox

import "github.com/prometheus/client_golang/prometheus"

var dependencyInstalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "werkstatt_dependency_installs_total",
		Help: "Dependency installations by provider and outcome",
	},
	[]string{"provider", "status"},
)

func init() {
	prometheus.MustRegister(dependencyInstalls)
}

// RecordDependencyInstall counts one dependency installation attempt
// for a provider.
func RecordDependencyInstall(provider string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	dependencyInstalls.WithLabelValues(provider, status).Inc()
}
