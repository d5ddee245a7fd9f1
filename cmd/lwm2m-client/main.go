// Command lwm2m-client runs a minimal LwM2M device client: it loads
// configuration, registers (optionally bootstrapping first), exposes the
// built-in Security and Server objects, and drives the client's Step loop
// on a fixed tick until interrupted, grounded on the teacher's
// cmd/canopen state-machine-plus-ticker main loop.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"

	"github.com/anj-go/lwm2m/internal/logging"
	"github.com/anj-go/lwm2m/pkg/client"
	"github.com/anj-go/lwm2m/pkg/datamodel"
	"github.com/anj-go/lwm2m/pkg/datamodel/builtin"
	"github.com/anj-go/lwm2m/pkg/exchange"
	"github.com/anj-go/lwm2m/pkg/lwm2mconfig"
	"github.com/anj-go/lwm2m/pkg/session"
	"github.com/anj-go/lwm2m/pkg/transport"
)

const tickPeriod = 50 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "INI provisioning file (see pkg/lwm2mconfig)")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	base := logging.NewDefault(level)
	logger := logging.New(base).With("component", "lwm2m-client")

	cfg, err := lwm2mconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-client: loading config: %v\n", err)
		os.Exit(1)
	}

	binding, err := newBinding(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-client: building transport: %v\n", err)
		os.Exit(1)
	}

	registry := datamodel.NewRegistry()
	registry.Register(defaultSecurityObject(cfg))
	registry.Register(defaultServerObject(cfg))

	c := client.New(cfg, binding, registry, exchange.NewRandAllocator(), exchange.NewRealClock(), logger)

	if cfg.Bootstrap {
		mode := session.BootstrapModeRequest
		c.Bootstrap(mode, func(err error) {
			if err != nil {
				logger.Printf("bootstrap failed: %v", err)
				os.Exit(1)
			}
			logger.Printf("bootstrap finished, registering")
			c.Register()
		})
	} else {
		c.Register()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			if c.RegisterSession() != nil {
				logger.Printf("shutting down, deregistering")
				c.RegisterSession().RequestDeregister()
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) && c.RegisterSession().State() != session.RegDone {
					c.Step(time.Now())
					time.Sleep(tickPeriod)
				}
			}
			return
		case now := <-ticker.C:
			c.Step(now)
		}
	}
}

// newBinding picks the transport binding named by cfg.Transport: "udp"
// (default), "tcp" (RFC 8323), or "dtls-psk".
func newBinding(cfg lwm2mconfig.Config) (transport.Binding, error) {
	switch cfg.Transport {
	case "", "udp":
		return transport.NewUDPBinding(), nil
	case "tcp":
		return transport.NewTCPBinding(), nil
	case "dtls-psk":
		key, err := hex.DecodeString(cfg.PSKKeyHex)
		if err != nil {
			return nil, fmt.Errorf("lwm2m-client: decoding PSK key: %w", err)
		}
		return transport.NewDTLSBinding(transport.DTLSConfig{
			PSKIdentity: []byte(cfg.PSKIdentity),
			PSKKey:      key,
			CipherSuite: dtls.TLS_PSK_WITH_AES_128_CCM_8,
		}), nil
	default:
		return nil, fmt.Errorf("lwm2m-client: unknown transport %q", cfg.Transport)
	}
}

// defaultSecurityObject seeds a single Security Object instance from cfg,
// the way a real device would load its provisioned bootstrap/server
// credentials at startup.
func defaultSecurityObject(cfg lwm2mconfig.Config) *builtin.SecurityObject {
	obj := builtin.NewSecurityObject()
	mode := builtin.SecurityModeNoSec
	if cfg.PSKIdentity != "" {
		mode = builtin.SecurityModePSK
	}
	key, _ := hex.DecodeString(cfg.PSKKeyHex)
	obj.AddInstance(builtin.SecurityInstance{
		ServerURI:        cfg.ServerURI,
		BootstrapServer:  cfg.Bootstrap,
		SecurityMode:     mode,
		SecretKey:        key,
		ShortServerID:    cfg.ShortID,
		ClientHoldOffSec: int64(cfg.ClientHoldOffSec),
		BootstrapTimeout: int64(cfg.BootstrapFinishSec),
	})
	return obj
}

// defaultServerObject seeds a single Server Object instance matching the
// registration parameters cfg carries.
func defaultServerObject(cfg lwm2mconfig.Config) *builtin.ServerObject {
	obj := builtin.NewServerObject()
	obj.AddInstance(builtin.ServerInstance{
		ShortServerID: cfg.ShortID,
		LifetimeSec:   int64(cfg.LifetimeSec),
		Binding:       cfg.BindingMode,
	})
	return obj
}
