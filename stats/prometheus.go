// stats/prometheus.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WritePrometheus writes the session's statistics as gauges to a text
// file in the exposition format, for pickup by node_exporter's textfile
// collector.
func WritePrometheus(path string, mode string, s *SessionStats) error {
	reg := prometheus.NewRegistry()

	files := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbk",
		Name:      "session_files",
		Help:      "Number of files by category in the last backup session.",
	}, []string{"mode", "category"})
	bytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbk",
		Name:      "session_bytes",
		Help:      "Bytes by category in the last backup session.",
	}, []string{"mode", "category"})
	errs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbk",
		Name:      "session_errors",
		Help:      "Recoverable per-file errors in the last backup session.",
	}, []string{"mode"})
	last := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbk",
		Name:      "session_end_timestamp_seconds",
		Help:      "Time the last backup session finished.",
	}, []string{"mode"})
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbk",
		Name:      "session_duration_seconds",
		Help:      "Wall-clock duration of the last backup session.",
	}, []string{"mode"})
	reg.MustRegister(files, bytes, errs, last, duration)

	for cat, n := range map[string]int64{
		"source":    s.SourceFiles,
		"mirror":    s.MirrorFiles,
		"new":       s.NewFiles,
		"deleted":   s.DeletedFiles,
		"changed":   s.ChangedFiles,
		"increment": s.IncrementFiles,
	} {
		files.WithLabelValues(mode, cat).Set(float64(n))
	}
	for cat, n := range map[string]int64{
		"source":    s.SourceFileSize,
		"mirror":    s.MirrorFileSize,
		"new":       s.NewFileSize,
		"deleted":   s.DeletedFileSize,
		"increment": s.IncrementFileSize,
	} {
		bytes.WithLabelValues(mode, cat).Set(float64(n))
	}
	errs.WithLabelValues(mode).Set(float64(s.Errors))
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	last.WithLabelValues(mode).Set(float64(end.Unix()))
	duration.WithLabelValues(mode).Set(s.Elapsed().Seconds())

	return prometheus.WriteToTextfile(path, reg)
}
