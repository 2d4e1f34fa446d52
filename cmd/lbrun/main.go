package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
	"github.com/shaunagostinho/loadbank-link/internal/loadbank"
	"github.com/shaunagostinho/loadbank-link/internal/mqtt"
	"github.com/shaunagostinho/loadbank-link/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/lbrun/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated load bank")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	list := flag.Bool("list", false, "Print serial ports as JSON and exit")
	roundtrip := flag.String("roundtrip", "", "Send hex bytes once, print the reply as JSON and exit")
	port := flag.String("port", "", "Port for -roundtrip")
	baud := flag.Int("baud", 0, "Baud rate for -roundtrip (default from config)")
	window := flag.Duration("window", 500*time.Millisecond, "Reply window for -roundtrip")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := server.LoadConfig(*configPath)
	setLevel(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if *demo {
		cfg.LoadBank.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	lb := cfg.Bank()
	opts := lb.Options()
	if lb.Demo {
		sim := loadbank.NewSim(loadbank.SimConfig{
			BankNo: 1,
			Stream: 250 * time.Millisecond,
			Noise:  true,
		})
		opts.Opener = sim.Opener()
		opts.Enumerator = sim.Enumerator()
		log.Info().Str("port", loadbank.SimPortName).Msg("demo mode, using simulated load bank")
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	switch {
	case *list:
		enum := opts.Enumerator
		if enum == nil {
			enum = link.EnumerateSerial
		}
		ports, err := enum()
		if err != nil {
			log.Fatal().Err(err).Msg("list ports")
		}
		printJSON(ports)
		return

	case *roundtrip != "":
		runRoundtrip(ctx, opts.Opener, *port, pick(*baud, lb.Baud), *roundtrip, *window)
		return
	}

	log.Info().Msg("lbrun starting")

	hub := server.NewHub()
	ctl := loadbank.NewController(nil, time.Duration(lb.ConfirmTimeoutMs)*time.Millisecond)
	var broker brokerSink
	emitters := link.Fanout{hub, ctl}
	if cfg.MQTT.Enabled {
		emitters = append(emitters, &broker)
		broker.start(ctx, 10, func() (*mqtt.Publisher, error) {
			return mqtt.Connect(cfg.MQTT)
		})
	}

	opts.Emitter = emitters
	rt := link.New(opts)
	ctl.SetWriter(rt)

	srv := server.New(cfg, rt, ctl, hub)
	if lb.Autostart {
		if err := srv.StartFromConfig(); err != nil {
			log.Error().Err(err).Msg("autostart failed")
		}
	}

	// Server works immediately even while no port is held
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
	}

	cancel()
	rt.Stop()
	broker.close()
	log.Info().Msg("stopped")
}

func setLevel(s string) {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", s).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func runRoundtrip(ctx context.Context, open link.Opener, name string, baud int, hexData string, window time.Duration) {
	if name == "" {
		log.Fatal().Msg("-roundtrip needs -port")
	}
	data, err := lbproto.ParseHex(hexData)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -roundtrip payload")
	}
	if open == nil {
		open = link.OpenSerial
	}
	res, err := link.Roundtrip(ctx, open, name, baud, data, window)
	if err != nil {
		log.Fatal().Err(err).Str("port", name).Msg("roundtrip failed")
	}
	printJSON(res)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal().Err(err).Msg("encode output")
	}
}

// brokerSink forwards events to the MQTT publisher once it has connected.
type brokerSink struct {
	p  atomic.Pointer[mqtt.Publisher]
	wg sync.WaitGroup
}

// start connects in the background, retrying until ctx is done.
func (b *brokerSink) start(ctx context.Context, maxAttempts int, dial func() (*mqtt.Publisher, error)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		connectWithRetry(ctx, "mqtt", maxAttempts, func() error {
			pub, err := dial()
			if err != nil {
				return err
			}
			b.p.Store(pub)
			return nil
		})
	}()
}

func (b *brokerSink) Emit(e link.Event) {
	if pub := b.p.Load(); pub != nil {
		pub.Emit(e)
	}
}

// close waits for a pending connect and closes the publisher. The context
// given to start must already be done, and no Emit may follow.
func (b *brokerSink) close() {
	b.wg.Wait()
	if pub := b.p.Swap(nil); pub != nil {
		pub.Close()
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs every attempt up to
// maxAttempts and then keeps retrying quietly at the max interval.
func connectWithRetry(ctx context.Context, name string, maxAttempts int, connect func() error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := connect()
		if err == nil {
			log.Info().Str("component", name).Int("attempt", attempt+1).Msg("connected")
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warn().Err(err).Str("component", name).
				Int("attempt", attempt).Dur("retry", delay).Msg("connect failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
