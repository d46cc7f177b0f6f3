package obs

import "github.com/prometheus/client_golang/prometheus"

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Clinigate build information.",
	},
	[]string{"version", "commit"},
)

// SetBuildInfo sets build_info{version,commit} to 1. Init must have run.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}
