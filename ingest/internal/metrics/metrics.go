package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload outcomes
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_uploads_total",
			Help: "Total number of uploads by platform and disposition",
		},
		[]string{"platform", "disposition"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_upload_bytes_total",
			Help: "Total bytes of encrypted upload data received",
		},
	)

	UploadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_upload_errors_total",
			Help: "Total number of uploads answered with a server error, by stage",
		},
		[]string{"stage"},
	)

	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_classifications_total",
			Help: "Total number of uploads by classifier verdict",
		},
		[]string{"verdict"},
	)

	// Decryption metrics
	DecryptionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyhawk_ingest_decryption_duration_seconds",
			Help:    "Duration of upload decryption in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecryptionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_decryption_failures_total",
			Help: "Total number of whole-file decryption failures by kind",
		},
		[]string{"kind"},
	)

	FailedLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_failed_lines_total",
			Help: "Total number of individual lines that failed to decrypt",
		},
	)

	// Storage metrics
	StorageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyhawk_ingest_storage_duration_seconds",
			Help:    "Duration of blob store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoredBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_stored_bytes_total",
			Help: "Total bytes of decrypted data written to the blob store",
		},
	)

	// Key cache
	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_key_lookups_total",
			Help: "Total number of device key lookups by result",
		},
		[]string{"result"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"study"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhawk_ingest_alerts_total",
			Help: "Total number of operator alerts by delivery result",
		},
		[]string{"result"},
	)
)

// RegisterKeyCacheSize exposes the number of cached device keys. size is read
// at scrape time.
func RegisterKeyCacheSize(reg prometheus.Registerer, size func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "studyhawk_ingest_key_cache_entries",
			Help: "Number of device private keys held in the key cache",
		},
		func() float64 { return float64(size()) },
	))
}
