package baro

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the latest readings and error counts. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	temperature *prometheus.GaugeVec
	pressure    *prometheus.GaugeVec
	altitude    *prometheus.GaugeVec
	readings    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bmp180_temperature_celsius",
			Help: "Last compensated temperature.",
		}, []string{"device"}),
		pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bmp180_pressure_pascals",
			Help: "Last compensated pressure.",
		}, []string{"device"}),
		altitude: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bmp180_altitude_meters",
			Help: "Altitude derived from the last pressure and the configured sea-level pressure.",
		}, []string{"device"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmp180_readings_total",
			Help: "Successful readings.",
		}, []string{"device"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmp180_errors_total",
			Help: "Failed jobs by error code.",
		}, []string{"device", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmp180_bus_retries_total",
			Help: "Jobs retried after a bus error.",
		}, []string{"device"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bmp180_read_duration_seconds",
			Help:    "Time to complete a measurement including retries.",
			Buckets: []float64{.005, .01, .02, .04, .08, .16, .32},
		}, []string{"device"}),
	}
	reg.MustRegister(m.temperature, m.pressure, m.altitude, m.readings, m.errors, m.retries, m.duration)
	return m
}

func (m *Metrics) observe(id string, deciC, pa int32, altM float64, seconds float64) {
	if m == nil {
		return
	}
	m.temperature.WithLabelValues(id).Set(float64(deciC) / 10)
	m.pressure.WithLabelValues(id).Set(float64(pa))
	m.altitude.WithLabelValues(id).Set(altM)
	m.readings.WithLabelValues(id).Inc()
	m.duration.WithLabelValues(id).Observe(seconds)
}

func (m *Metrics) failed(id, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(id, code).Inc()
}

func (m *Metrics) retried(id string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(id).Inc()
}

// forget drops the series of a removed device.
func (m *Metrics) forget(id string) {
	if m == nil {
		return
	}
	m.temperature.DeleteLabelValues(id)
	m.pressure.DeleteLabelValues(id)
	m.altitude.DeleteLabelValues(id)
}
