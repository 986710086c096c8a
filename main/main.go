package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vfmartins/ecupulse"
	"github.com/vfmartins/ecupulse/elm327"
	"github.com/vfmartins/ecupulse/forwarder"
	"github.com/vfmartins/ecupulse/simecu"
)

var (
	configPath     = flag.String("config", "ecupulse.toml", "path to configuration file")
	testMode       = flag.Bool("testmode", false, "use a simulated ECU instead of the serial adapter")
	printTelemetry = flag.Bool("print-telemetry", false, "print each transmitted snapshot to stdout")
	verbose        = flag.Bool("verbose", false, "enable debug logging")
)

type config struct {
	Agent struct {
		PollIntervalMs int    `toml:"poll_interval_ms"`
		SendIntervalMs int    `toml:"send_interval_ms"`
		Policy         string `toml:"policy"`
	} `toml:"agent"`
	Adapter   elm327.Config        `toml:"adapter"`
	Sim       simecu.Config        `toml:"sim"`
	Forwarder forwarder.HTTPConfig `toml:"forwarder"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	cfg.Agent.PollIntervalMs = 100
	cfg.Agent.SendIntervalMs = 2000
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to load config %s", path)
	}
	return cfg, nil
}

// netLink models the wireless association this agent only observes:
// the link is ready when the collector host answers a TCP dial.
type netLink struct {
	endpoint string
}

func (n *netLink) Name() string { return "network" }

func (n *netLink) Open() error {
	u, err := url.Parse(n.endpoint)
	if err != nil {
		return errors.Wrap(err, "bad endpoint")
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return errors.Wrap(err, "collector unreachable")
	}
	return conn.Close()
}

func (n *netLink) Close() error { return nil }

// deepSleep stands in for the hardware deep-sleep primitive: park the
// process for a while and exit so the host supervisor reinitializes
// everything from scratch.
type deepSleep struct {
	d time.Duration
}

func (s deepSleep) Recover(reason string) {
	log.WithField("reason", reason).Error("entering recovery sleep")
	time.Sleep(s.d)
	os.Exit(1)
}

// printingForwarder dumps each snapshot before handing it on.
type printingForwarder struct {
	next *forwarder.HTTPForwarder
}

func (p *printingForwarder) Forward(snap *ecupulse.Snapshot) error {
	fmt.Printf("%+v\n", *snap)
	return p.next.Forward(snap)
}

func (p *printingForwarder) ConsecutiveFailures() int {
	return p.next.ConsecutiveFailures()
}

func main() {
	flag.Parse()
	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("unable to load configuration: ", err)
	}
	policy, err := ecupulse.ParsePolicy(cfg.Agent.Policy)
	if err != nil {
		log.Fatal("unable to parse policy: ", err)
	}

	var port ecupulse.DiagnosticPort
	var adapterLink ecupulse.Retryable
	if *testMode {
		sim := simecu.New(cfg.Sim)
		port, adapterLink = sim, sim
		log.Info("running with simulated ECU")
	} else {
		adapter := elm327.New(cfg.Adapter)
		port, adapterLink = adapter, adapter
	}

	rec := deepSleep{d: time.Minute}
	fwd, err := forwarder.New(&cfg.Forwarder, rec)
	if err != nil {
		log.Fatal("unable to create HTTP forwarder: ", err)
	}
	var sender ecupulse.Forwarder = fwd
	if *printTelemetry {
		sender = &printingForwarder{next: fwd}
	}

	ctx := context.Background()
	sup := ecupulse.NewSupervisor(&netLink{endpoint: cfg.Forwarder.Endpoint}, adapterLink)
	sup.Start(ctx)

	agent := ecupulse.NewAgent(ecupulse.AgentConfig{
		PollInterval: time.Duration(cfg.Agent.PollIntervalMs) * time.Millisecond,
		SendInterval: time.Duration(cfg.Agent.SendIntervalMs) * time.Millisecond,
		Policy:       policy,
	}, port, sup, sender)

	log.WithFields(log.Fields{
		"device":   cfg.Forwarder.DeviceID,
		"endpoint": cfg.Forwarder.Endpoint,
		"policy":   cfg.Agent.Policy,
	}).Info("ecupulse starting")

	if err := agent.Run(ctx); err != nil {
		log.Errorf("agent done: %v", err)
	}
}
