package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func TestRegistryIsDefault(t *testing.T) {
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry is not the default Prometheus registerer")
	}
}

func TestSeriesRegisterUnderSharedRegistry(t *testing.T) {
	probe := promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "fhir_metrics_selftest_total",
		Help: "Registration probe for the shared registry",
	})
	defer prometheus.Unregister(probe)
	probe.Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, fam := range families {
		name := fam.GetName()
		if name == "fhir_metrics_selftest_total" {
			found = true
		}
		if strings.HasPrefix(name, "fhir_") && fam.GetHelp() == "" {
			t.Errorf("series %s registered without help text", name)
		}
	}
	if !found {
		t.Error("probe counter not gatherable from the default registry")
	}
}
