// Package testsupport builds in-memory databases and wiring shared by package tests.
package testsupport

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/migration"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxrepo "github.com/smallbiznis/tripsaga/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Epoch is the default start time of fake clocks in tests.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// OpenDB returns a migrated, private in-memory sqlite database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps the shared-cache database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(db))
	return db
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// Metrics returns pipeline metrics bound to a private registry.
func Metrics() (*metrics.Pipeline, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return metrics.NewPipeline(registry, metrics.Config{ServiceName: "tripsaga", Environment: "test"}), registry
}

// Env bundles the collaborators most service tests need.
type Env struct {
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    *clock.FakeClock
	Log      *zap.Logger
	Metrics  *metrics.Pipeline
	Registry *prometheus.Registry
	Outbox   *outboxservice.Service
}

func NewEnv(t testing.TB) *Env {
	t.Helper()
	db := OpenDB(t)
	node := Node(t)
	clk := clock.NewFakeClock(Epoch)
	m, registry := Metrics()
	log := zap.NewNop()
	return &Env{
		DB:       db,
		Node:     node,
		Clock:    clk,
		Log:      log,
		Metrics:  m,
		Registry: registry,
		Outbox: outboxservice.NewService(outboxservice.Params{
			DB:      db,
			Log:     log,
			GenID:   node,
			Clock:   clk,
			Repo:    outboxrepo.Provide(),
			Metrics: m,
		}),
	}
}

// MetricValue sums the samples of the named counter or gauge whose labels include want.
func MetricValue(t testing.TB, registry *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !matches(labelsOf(m.GetLabel()), want) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func labelsOf(pairs []*dto.LabelPair) map[string]string {
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}

func matches(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}
