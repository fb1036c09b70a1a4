package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/YaganovValera/tick-saver/pkg/backoff"
)

const namespace = "tick_saver"

var (
	once sync.Once

	// FramesTotal - число принятых WS-фреймов по типу (binary/text).
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "frames_total",
		Help: "Frames received from the upstream feed",
	}, []string{"type"})

	// PacketsTotal - число декодированных sub-packet'ов по форме.
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "decoder", Name: "packets_total",
		Help: "Decoded sub-packets by shape",
	}, []string{"kind"})

	// TicksDropped - тики, отброшенные до агрегации.
	TicksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "ticks_dropped_total",
		Help: "Ticks dropped before aggregation by reason",
	}, []string{"reason"})

	// Reconnects - переподключения сессий.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "reconnects_total",
		Help: "Upstream session reconnects",
	})

	// SessionsActive - сессии в состоянии Active.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "active",
		Help: "Sessions currently streaming",
	})

	// LiveCandles - незавершённые свечи в памяти.
	LiveCandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "aggregator", Name: "live_candles",
		Help: "Candles held in memory awaiting flush",
	})

	// CandlesTotal - результат обработки свечей при flush.
	CandlesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "aggregator", Name: "candles_total",
		Help: "Flushed candles by outcome",
	}, []string{"outcome"})

	// FlushDuration - длительность одного flush, включая запись.
	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "aggregator", Name: "flush_duration_seconds",
		Help:    "Duration of one aggregator flush",
		Buckets: prometheus.DefBuckets,
	})

	// ScheduledFlushes - flush'и, поставленные планировщиком.
	ScheduledFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "scheduled_total",
		Help: "Flushes scheduled on minute boundaries",
	})

	// PublishOps - решения паблишера: full, partial, noop.
	PublishOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "publisher", Name: "operations_total",
		Help: "Publisher decisions by kind",
	}, []string{"kind"})

	// PublishErrors - ошибки записи паблишера в redis.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "publisher", Name: "errors_total",
		Help: "Failed publisher pipelines",
	})

	// FanoutDrops - тики, не поместившиеся в очередь воркера паблишера.
	FanoutDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "publisher", Name: "fanout_drops_total",
		Help: "Ticks dropped because a publisher worker queue was full",
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesTotal,
			PacketsTotal,
			TicksDropped,
			Reconnects,
			SessionsActive,
			LiveCandles,
			CandlesTotal,
			FlushDuration,
			ScheduledFlushes,
			PublishOps,
			PublishErrors,
			FanoutDrops,
		)
		reg.MustRegister(backoff.Collectors()...)
	})
}
