package store

import (
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/pointing"
)

type InfluxOptions struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// Influx writes observations and status snapshots to InfluxDB without
// blocking the caller.
type Influx struct {
	client   influxdb2.Client
	writeApi api.WriteApi
}

func NewInflux(opts InfluxOptions) *Influx {
	client := influxdb2.NewClient(opts.URL, opts.Token)
	writeApi := client.WriteApi(opts.Org, opts.Bucket)
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			log.Error(err, "influx write", "url", opts.URL, "bucket", opts.Bucket)
		}
	}()
	return &Influx{client: client, writeApi: writeApi}
}

func (i *Influx) Record(o pointing.Observation) {
	p := influxdb2.NewPoint("platesolve.observation",
		map[string]string{"result": o.Result},
		map[string]interface{}{
			"ra":               o.Position.RA,
			"dec":              o.Position.Dec,
			"solved":           o.Solved,
			"commanded_ra":     o.Commanded.RA,
			"commanded_dec":    o.Commanded.Dec,
			"delta_ra_arcsec":  o.Error.DeltaRAArcsec,
			"delta_dec_arcsec": o.Error.DeltaDecArcsec,
			"error_arcsec":     o.Error.MagnitudeArcsec,
		},
		o.Time,
	)
	i.writeApi.WritePoint(p)
}

// WriteStatus writes a decoded JSON status document as one point.
func (i *Influx) WriteStatus(status interface{}, t time.Time) {
	fields := make(map[string]interface{})
	Flatten(fields, status, "")
	if len(fields) == 0 {
		return
	}
	i.writeApi.WritePoint(influxdb2.NewPoint("platesolve.status", nil, fields, t))
}

func (i *Influx) Flush() {
	i.writeApi.Flush()
}

func (i *Influx) Close() {
	i.writeApi.Close()
	i.client.Close()
}

// Flatten turns nested JSON objects and arrays into dotted field names.
func Flatten(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			Flatten(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			Flatten(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix == "" {
			return
		}
		fields[prefix[1:]] = status
	}
}
