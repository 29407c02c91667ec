// Package publish pushes loop status snapshots to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/go-logr/logr"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/pointing"
)

type Options struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client-id"`
	QoS      int    `mapstructure:"qos"`
	Debug    bool   `mapstructure:"debug"`
}

// Publisher sends the most recent snapshot as a retained message. Snapshots
// produced while the broker is unreachable are coalesced; only the newest is
// sent once the connection comes back.
type Publisher struct {
	opts   Options
	cm     *autopaho.ConnectionManager
	latest chan []byte
}

func newPublisher(opts Options) *Publisher {
	return &Publisher{opts: opts, latest: make(chan []byte, 1)}
}

// Connect starts connecting to the broker in the background.
func Connect(ctx context.Context, opts Options) (*Publisher, error) {
	serverUrl, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("parsing broker URL: %w", err)
	}
	p := newPublisher(opts)
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverUrl},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(5 * time.Second),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("MQTT connection up", "broker", opts.Broker)
		},
		OnConnectError: func(err error) {
			log.Error(err, "MQTT connection failed, retrying", "broker", opts.Broker)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnClientError: func(err error) {
				log.Error(err, "MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.Warn("MQTT server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}
	if opts.Debug {
		cfg.Debug = logger{log.Logr().WithName("autopaho")}
		cfg.PahoDebug = logger{log.Logr().WithName("paho")}
	}
	p.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, err)
	}
	return p, nil
}

// Status queues s for publishing. It never blocks.
func (p *Publisher) Status(s pointing.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		log.Error(err, "encoding status")
		return
	}
	for {
		select {
		case p.latest <- payload:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

// Run publishes queued snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		var payload []byte
		select {
		case payload = <-p.latest:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := p.cm.AwaitConnection(ctx); err != nil {
			return err
		}
		_, err := p.cm.Publish(ctx, &paho.Publish{
			QoS:     byte(p.opts.QoS),
			Topic:   p.opts.Topic,
			Payload: payload,
			Retain:  true,
		})
		if err != nil {
			log.Error(err, "publishing status", "topic", p.opts.Topic)
		}
	}
}

func (p *Publisher) Close(ctx context.Context) error {
	return p.cm.Disconnect(ctx)
}

// logger adapts logr to paho's Println/Printf logger.
type logger struct {
	l logr.Logger
}

func (l logger) Println(v ...any) {
	l.l.V(1).Info(fmt.Sprint(v...))
}

func (l logger) Printf(format string, v ...any) {
	l.l.V(1).Info(fmt.Sprintf(format, v...))
}
