package metrics

// IngestDurationBuckets covers whole-document ingestion runs, which may take minutes.
var IngestDurationBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// QueryDurationBuckets covers similarity queries including the query embedding call.
var QueryDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// HTTPDurationBuckets defines latency buckets for HTTP request duration metrics.
var HTTPDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ResponseSizeBuckets spans problem documents up to full document bodies.
var ResponseSizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304}
