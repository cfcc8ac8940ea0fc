package images

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for image cache operations.
type Metrics struct {
	pullsTotal       metric.Int64Counter
	downloadDuration metric.Float64Histogram
}

func newImageMetrics(meter metric.Meter, m *manager) (*Metrics, error) {
	pullsTotal, err := meter.Int64Counter(
		"vmagent_images_pulls_total",
		metric.WithDescription("Total number of image ensure calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	downloadDuration, err := meter.Float64Histogram(
		"vmagent_images_download_duration_seconds",
		metric.WithDescription("Time to download and install a base image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	imagesTotal, err := meter.Int64ObservableGauge(
		"vmagent_images_total",
		metric.WithDescription("Total number of cached images by status"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			images, err := m.listImages()
			if err != nil {
				return nil
			}
			counts := make(map[string]int64)
			for _, img := range images {
				counts[img.Status]++
			}
			for status, count := range counts {
				o.ObserveInt64(imagesTotal, count, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		},
		imagesTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		pullsTotal:       pullsTotal,
		downloadDuration: downloadDuration,
	}, nil
}

func (m *manager) recordPull(ctx context.Context, status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.pullsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *manager) recordDownloadDuration(ctx context.Context, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.downloadDuration.Record(ctx, time.Since(start).Seconds())
}
