package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	// Reset metrics
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("GET", "/api/videos", "200", 0.123)

	// Verify counter incremented
	counter := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/videos", "200"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordPackagingJob(t *testing.T) {
	PackagingJobsTotal.Reset()

	RecordPackagingJob("ready", 120.5)
	RecordPackagingJob("failed", 30.2)
	RecordPackagingJob("ready", 12)

	ready := testutil.ToFloat64(PackagingJobsTotal.WithLabelValues("ready"))
	if ready != 2.0 {
		t.Errorf("Expected ready counter to be 2.0, got %f", ready)
	}

	failed := testutil.ToFloat64(PackagingJobsTotal.WithLabelValues("failed"))
	if failed != 1.0 {
		t.Errorf("Expected failed counter to be 1.0, got %f", failed)
	}
}

func TestRecordCoalescedWaiter(t *testing.T) {
	before := testutil.ToFloat64(PackagingWaitersTotal)

	RecordCoalescedWaiter()
	RecordCoalescedWaiter()

	if got := testutil.ToFloat64(PackagingWaitersTotal) - before; got != 2.0 {
		t.Errorf("Expected 2 coalesced waiters, got %f", got)
	}
}

func TestRecordEncode(t *testing.T) {
	EncodesTotal.Reset()

	RecordEncode("360p", "success", 10)
	RecordEncode("480p", "failed", 2)

	if v := testutil.ToFloat64(EncodesTotal.WithLabelValues("360p", "success")); v != 1.0 {
		t.Errorf("Expected 360p success counter to be 1.0, got %f", v)
	}
	if v := testutil.ToFloat64(EncodesTotal.WithLabelValues("480p", "failed")); v != 1.0 {
		t.Errorf("Expected 480p failed counter to be 1.0, got %f", v)
	}
}

func TestRecordRenditionReused(t *testing.T) {
	RenditionsReusedTotal.Reset()

	RecordRenditionReused("720p")

	if v := testutil.ToFloat64(RenditionsReusedTotal.WithLabelValues("720p")); v != 1.0 {
		t.Errorf("Expected reuse counter to be 1.0, got %f", v)
	}
}

func TestRecordStorageOperation(t *testing.T) {
	StorageOperationsTotal.Reset()
	StorageBytesTransferred.Reset()

	RecordStorageOperation("upload", "success", 1.5, 1048576)

	counter := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("upload", "success"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}

	bytes := testutil.ToFloat64(StorageBytesTransferred.WithLabelValues("upload"))
	if bytes != 1048576.0 {
		t.Errorf("Expected bytes to be 1048576.0, got %f", bytes)
	}
}

func TestRecordDatabaseOperation(t *testing.T) {
	DatabaseOperationsTotal.Reset()

	RecordDatabaseOperation("upsert", "success", 0.05)

	counter := testutil.ToFloat64(DatabaseOperationsTotal.WithLabelValues("upsert", "success"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordCacheAccess(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	RecordCacheAccess("manifest", true)
	RecordCacheAccess("manifest", true)
	RecordCacheAccess("manifest", false)

	hits := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("manifest"))
	if hits != 2.0 {
		t.Errorf("Expected hits to be 2.0, got %f", hits)
	}

	misses := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("manifest"))
	if misses != 1.0 {
		t.Errorf("Expected misses to be 1.0, got %f", misses)
	}
}

func TestRecordLevelSwitch(t *testing.T) {
	LevelSwitchesTotal.Reset()

	RecordLevelSwitch("auto", 3.5e6)

	if v := testutil.ToFloat64(LevelSwitchesTotal.WithLabelValues("auto")); v != 1.0 {
		t.Errorf("Expected switch counter to be 1.0, got %f", v)
	}
	if v := testutil.ToFloat64(BandwidthEstimate); v != 3.5e6 {
		t.Errorf("Expected estimate gauge to be 3.5e6, got %f", v)
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	QueueDepth.Reset()

	UpdateQueueDepth("package_requests", 7)
	UpdateQueueDepth("package_requests", 3)

	if v := testutil.ToFloat64(QueueDepth.WithLabelValues("package_requests")); v != 3.0 {
		t.Errorf("Expected queue depth to be 3.0, got %f", v)
	}
}

func TestRecordError(t *testing.T) {
	ErrorsTotal.Reset()

	RecordError("packaging", "encode_failed")
	RecordError("packaging", "encode_failed")

	counter := testutil.ToFloat64(ErrorsTotal.WithLabelValues("packaging", "encode_failed"))
	if counter != 2.0 {
		t.Errorf("Expected counter to be 2.0, got %f", counter)
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Gathering fails if two collectors clash on a name
	if _, err := prometheus.DefaultGatherer.Gather(); err != nil {
		t.Errorf("Failed to gather metrics: %v", err)
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	for i := 0; i < b.N; i++ {
		RecordHTTPRequest("GET", "/api/videos", "200", 0.1)
	}
}
