package engagement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	changesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "changes_applied_total",
		Help:      "Change events applied to local state, by topic and kind.",
	}, []string{"topic", "kind"})

	changesDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "changes_deduplicated_total",
		Help:      "Change events dropped because their record was already applied.",
	}, []string{"topic", "kind"})

	hintsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "hints_sent_total",
		Help:      "Peer broadcast hints sent after successful writes.",
	}, []string{"topic", "result"})

	hintsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "hints_received_total",
		Help:      "Peer broadcast hints received.",
	}, []string{"topic"})

	reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "reconciliations_total",
		Help:      "Exact reads, by topic and result.",
	}, []string{"topic", "result"})

	mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "mutations_total",
		Help:      "Optimistic mutations, by operation and result.",
	}, []string{"op", "result"})

	rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Name:      "rollbacks_total",
		Help:      "Optimistic changes reverted after a failed write.",
	}, []string{"op"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(changesApplied, changesDeduplicated, hintsSent, hintsReceived, reconciliations, mutations, rollbacks)
	})
}
