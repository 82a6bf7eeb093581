package telemetry_test

import (
	"testing"

	"github.com/atlas-desktop/barcore/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorTracksDaysAndEquity(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.ObserveDay(100000)
	c.ObserveDay(101500)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var daysCounter, equityGauge *dto.MetricFamily
	for _, f := range families {
		switch f.GetName() {
		case "barcore_days_processed_total":
			daysCounter = f
		case "barcore_equity_usd":
			equityGauge = f
		}
	}
	if daysCounter == nil || daysCounter.Metric[0].Counter.GetValue() != 2 {
		t.Fatalf("expected days_processed_total=2, got %+v", daysCounter)
	}
	if equityGauge == nil || equityGauge.Metric[0].Gauge.GetValue() != 101500 {
		t.Fatalf("expected equity_usd=101500, got %+v", equityGauge)
	}
}

func TestCollectorTracksExecutionsAndTrades(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.ObserveExecution("buy")
	c.ObserveExecution("buy")
	c.ObserveExecution("sell")
	c.ObserveTrade(true)
	c.ObserveTrade(false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var exec, trades *dto.MetricFamily
	for _, f := range families {
		switch f.GetName() {
		case "barcore_executions_total":
			exec = f
		case "barcore_trades_total":
			trades = f
		}
	}
	if exec == nil || len(exec.Metric) != 2 {
		t.Fatalf("expected 2 execution series (buy/sell), got %+v", exec)
	}
	if trades == nil || len(trades.Metric) != 2 {
		t.Fatalf("expected 2 trade series (win/loss), got %+v", trades)
	}
}
