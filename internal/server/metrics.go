// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devprbtt/daikin-d3net/d3net"
)

type metrics struct {
	polls      prometheus.Counter
	pollErrors prometheus.Counter
	unitsSeen  prometheus.Gauge

	power       *prometheus.GaugeVec
	setpoint    *prometheus.GaugeVec
	currentTemp *prometheus.GaugeVec
	filterWarn  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "d3net_polls_total",
			Help: "Completed status poll sweeps",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "d3net_poll_errors_total",
			Help: "Poll sweeps that returned an error",
		}),
		unitsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "d3net_units_present",
			Help: "Indoor units discovered on the bus",
		}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "d3net_unit_power",
			Help: "Unit power state (1 on, 0 off)",
		}, []string{"unit"}),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "d3net_unit_setpoint_celsius",
			Help: "Unit target temperature (°C)",
		}, []string{"unit"}),
		currentTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "d3net_unit_temperature_celsius",
			Help: "Unit room temperature (°C)",
		}, []string{"unit"}),
		filterWarn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "d3net_unit_filter_warning",
			Help: "Unit filter-sign warning (1 active)",
		}, []string{"unit"}),
	}
	reg.MustRegister(m.polls, m.pollErrors, m.unitsSeen, m.power, m.setpoint, m.currentTemp, m.filterWarn)
	return m
}

// observe refreshes the per-unit gauges from the gateway's cached view.
func (m *metrics) observe(ctx context.Context, gw *d3net.Gateway) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	units, err := gw.Units(ctx)
	if err != nil {
		return
	}

	present := 0
	for i := range units {
		u := &units[i]
		if !u.Present {
			continue
		}
		present++
		onOff := 0.0
		if u.Status.Power() {
			onOff = 1
		}
		warn := 0.0
		if u.Status.FilterWarning() {
			warn = 1
		}
		m.power.WithLabelValues(u.ID).Set(onOff)
		m.setpoint.WithLabelValues(u.ID).Set(u.Status.Setpoint())
		m.currentTemp.WithLabelValues(u.ID).Set(u.Status.CurrentTemperature())
		m.filterWarn.WithLabelValues(u.ID).Set(warn)
	}
	m.unitsSeen.Set(float64(present))
}
