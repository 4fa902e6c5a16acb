package observability

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem is the global telemetry system
	TelemetrySystem *telemetry.System

	// PrometheusExporter is the prometheus metrics exporter
	PrometheusExporter *exporters.PrometheusExporter

	// metricsPort stores the port the Prometheus exporter is listening on
	metricsPort int
)

const defaultMetricsPort = 9090

// InitMetrics starts the Prometheus exporter on port (0 picks a free port) and
// installs a telemetry system that emits through it. Metric names are
// prefixed with namespace, or the service name when namespace is empty.
func InitMetrics(serviceName string, port int, namespace string) error {
	if port < 0 {
		port = 0
	}
	metricsPort = port

	metricNamespace := strings.TrimSpace(namespace)
	if metricNamespace == "" {
		metricNamespace = serviceName
	}

	exporter := exporters.NewPrometheusExporter(metricNamespace, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}
	PrometheusExporter = exporter

	if actual, err := resolvePort(exporter.GetAddr()); err == nil {
		metricsPort = actual
	} else if port == 0 {
		metricsPort = defaultMetricsPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}
	TelemetrySystem = sys

	return nil
}

// MetricsEnabled reports whether InitMetrics has installed a telemetry system.
func MetricsEnabled() bool {
	return TelemetrySystem != nil
}

// GetMetricsPort returns the port the Prometheus exporter is listening on
func GetMetricsPort() int {
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
