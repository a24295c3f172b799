package energy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"quilt-bridge/internal/hds"
)

const influxConnectTimeout = 10 * time.Second

// InfluxConfig holds InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx writes energy buckets to an InfluxDB v2 bucket.
type Influx struct {
	client influxdb2.Client
	write  influxapi.WriteAPIBlocking
	log    *slog.Logger
}

// NewInflux connects to InfluxDB and verifies it responds to a ping.
func NewInflux(cfg InfluxConfig, log *slog.Logger) (*Influx, error) {
	if log == nil {
		log = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: server not healthy")
	}

	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:    log.With("component", "influx"),
	}, nil
}

// WriteBuckets writes one point per energy bucket. Points are keyed on the
// bucket start time, so re-writing the same window is idempotent.
func (i *Influx) WriteBuckets(ctx context.Context, systemID, spaceID string, buckets []hds.EnergyBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, influxdb2.NewPoint(
			"energy",
			map[string]string{"system_id": systemID, "space_id": spaceID},
			map[string]any{"kwh": b.KWh},
			b.Start.Time(),
		))
	}
	if err := i.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

// Close flushes and closes the InfluxDB connection.
func (i *Influx) Close() {
	i.client.Close()
}
