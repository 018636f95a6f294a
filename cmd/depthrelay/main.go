// depthrelay: CLI entry point.
//
// The relay role streams the depth sensor's modalities to any number of
// WebRTC peers over DataChannels, optionally exposed through a public tunnel.
// The viewer role connects to a relay, requests a feed and tallies what
// arrives.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -config, -listen, -pin, -device, -wsUrl, -feed, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/depthrelay/internal/client"
	"github.com/1ureka/depthrelay/internal/config"
	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/notify"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/relay"
	"github.com/1ureka/depthrelay/internal/sensor"
	"github.com/1ureka/depthrelay/internal/signaling"
	"github.com/1ureka/depthrelay/internal/transport"
	"github.com/1ureka/depthrelay/internal/tunnel"
	"github.com/1ureka/depthrelay/internal/util"
)

var version = "dev"

const (
	statusTableInterval = 10 * time.Second
	viewerSummaryEvery  = 5 * time.Second
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: relay or viewer")
	listen := flag.String("listen", "", "Signaling listen address, e.g. :8080 (relay only)")
	pin := flag.String("pin", "", "Signaling PIN (relay: generated when empty; viewer: the relay's PIN)")
	device := flag.String("device", "", "Device session: synthetic or shm (relay only)")
	shmPath := flag.String("shm", "", "Shared-memory frame file written by the driver bridge (relay only)")
	tunnelFlag := flag.Bool("tunnel", false, "Expose the relay through the public tunnel relay")
	token := flag.String("token", "", "Tunnel auth token")
	wsURLFlag := flag.String("wsUrl", "", "Relay signaling URL (viewer only)")
	feedFlag := flag.String("feed", "", "Feed to request, or a comma-separated list for a multi feed (viewer only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Only flags given on the command line override the file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "listen":
			cfg.Signaling.Listen = *listen
		case "pin":
			cfg.Signaling.PIN = *pin
		case "device":
			cfg.Device.Kind = *device
		case "shm":
			cfg.Device.ShmPath = *shmPath
			if !isSet("device") {
				cfg.Device.Kind = config.DeviceShm
			}
		case "tunnel":
			cfg.Tunnel.Enabled = *tunnelFlag
		case "token":
			cfg.Tunnel.Token = *token
		case "wsUrl":
			cfg.Viewer.WSURL = *wsURLFlag
		case "feed":
			setViewerFeed(cfg, *feedFlag)
		case "debug":
			cfg.Log.Debug = *debugMode
		}
	})

	if cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("depthrelay — v%s", version))
	pterm.Println()

	// No -role flag and no config file → interactive mode.
	if !isSet("role") && *configPath == "" {
		runInteractive(ctx, cfg)
		return
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) {
	var err error
	switch cfg.Role {
	case config.RoleViewer:
		err = runViewer(ctx, cfg)
	default:
		err = runRelay(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and the few settings each role needs.
func runInteractive(ctx context.Context, cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Relay  — Stream the local sensor", "Viewer — Connect to a relay"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Relay") {
		cfg.Role = config.RoleRelay
		dev, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{config.DeviceSynthetic, config.DeviceShm}).
			WithDefaultText("Device session").
			Show()
		cfg.Device.Kind = dev
		if dev == config.DeviceShm {
			cfg.Device.ShmPath = askText("Shared-memory frame file")
		}
	} else {
		cfg.Role = config.RoleViewer
		cfg.Viewer.WSURL = askURL()
		cfg.Signaling.PIN = askText("Relay PIN")
		feedName, _ := pterm.DefaultInteractiveSelect.
			WithOptions(streamableFeeds()).
			WithDefaultText("Feed").
			Show()
		setViewerFeed(cfg, feedName)
	}
	pterm.Println()

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	run(ctx, cfg)
}

// runRelay serves the sensor until ctx is cancelled.
func runRelay(ctx context.Context, cfg *config.Config) error {
	wire, err := protocol.NewWireCodec(cfg.Wire)
	if err != nil {
		return err
	}
	session, err := newSession(cfg.Device)
	if err != nil {
		return err
	}

	pin := cfg.Signaling.PIN
	if pin == "" {
		pin = signaling.GeneratePIN(4)
	}
	server := signaling.NewServer(signaling.Config{
		Addr:       cfg.Signaling.Listen,
		PIN:        pin,
		ICEServers: cfg.Signaling.ICEServers,
	})
	port, err := server.Start(ctx)
	if err != nil {
		return err
	}
	defer server.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.MQTT.Broker != "" {
		n, err := notify.ConnectMQTT(ctx, notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			util.LogWarning("notifications disabled: %v", err)
		} else {
			notifier = n
			defer n.Close()
		}
	}

	opts := relay.Options{
		Session:  session,
		Wire:     wire,
		Codec:    cfg.Codec,
		Endpoint: server,
		Notifier: notifier,
	}

	var tm *tunnel.Manager
	if cfg.Tunnel.Enabled {
		provider, err := tunnel.NewRelayProvider(cfg.Tunnel.RelayURL)
		if err != nil {
			return err
		}
		tm = tunnel.NewManager(provider, tunnel.HTTPProber{}, tunnel.Config{
			LocalPort:      port,
			Protocol:       cfg.Tunnel.Protocol,
			HealthInterval: cfg.Tunnel.HealthInterval,
		})
		opts.Tunnel = tm
	}

	rl := relay.New(opts)
	server.OnPeer(func(tr *transport.Transport) { rl.AddPeer(tr) })
	server.SetStatus(func() any { return rl.Status() })

	printSignalingBox(port, pin)

	if tm != nil {
		tm.OnChange(func(s tunnel.State) {
			util.LogInfo("tunnel: %s", s)
			notifier.Status(rl.Status())
		})
		if err := tm.Connect(ctx, cfg.Tunnel.Token); err != nil {
			util.LogError("tunnel: %v", err)
		} else {
			util.LogSuccess("public URL: %s", tm.Status().PublicURL)
		}
		defer tm.Disconnect()
	}

	util.StartStatsReporter(ctx)
	go reportStatus(ctx, rl)

	util.LogSuccess("relay ready — waiting for peers")
	if err := rl.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runViewer connects to a relay and tallies frames until ctx is cancelled.
func runViewer(ctx context.Context, cfg *config.Config) error {
	wire, err := protocol.NewWireCodec(cfg.Wire)
	if err != nil {
		return err
	}
	wsURL, err := signaling.NormalizeWSURL(cfg.Viewer.WSURL, cfg.Signaling.PIN)
	if err != nil {
		return err
	}

	v, err := client.Dial(ctx, wsURL, wire, signaling.ClientOptions{ICEServers: cfg.Signaling.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := v.Init(); err != nil {
		return err
	}
	if len(cfg.Viewer.Multi) > 0 {
		err = v.RequestMulti(cfg.Viewer.Multi...)
	} else {
		err = v.Request(frame.Kind(cfg.Viewer.Feed))
	}
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	if err := v.Run(ctx, viewerSummaryEvery); err != nil {
		return err
	}
	util.LogInfo("frames: %s", v.Summary())
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func newSession(cfg config.DeviceConfig) (feed.Session, error) {
	switch cfg.Kind {
	case config.DeviceShm:
		return sensor.NewSharedMemory(sensor.SharedMemoryConfig{Path: cfg.ShmPath, FPS: cfg.FPS}), nil
	case config.DeviceSynthetic:
		sc := sensor.DefaultSyntheticConfig()
		if cfg.Width > 0 && cfg.Height > 0 {
			sc.Width, sc.Height = cfg.Width, cfg.Height
		}
		if cfg.FPS > 0 {
			sc.FPS = cfg.FPS
		}
		return sensor.NewSynthetic(sc), nil
	}
	return nil, fmt.Errorf("unknown device %q", cfg.Kind)
}

// setViewerFeed accepts one feed name, or a comma-separated list selecting a
// multi feed.
func setViewerFeed(cfg *config.Config, raw string) {
	parts := strings.Split(raw, ",")
	if len(parts) == 1 {
		cfg.Viewer.Feed = strings.TrimSpace(raw)
		cfg.Viewer.Multi = nil
		return
	}
	cfg.Viewer.Multi = cfg.Viewer.Multi[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Viewer.Multi = append(cfg.Viewer.Multi, frame.Kind(p))
		}
	}
}

func streamableFeeds() []string {
	var out []string
	for _, k := range frame.Streamable() {
		out = append(out, string(k))
	}
	return out
}

func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printSignalingBox(port int, pin string) {
	pterm.DefaultBox.WithTitle("WebSocket Signaling").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : ws://<host>:%d/ws?pin=%s", port, pin, port, pin),
	)
	pterm.Println()
}

// reportStatus renders the status surface as a table every 10 seconds.
func reportStatus(ctx context.Context, rl *relay.Relay) {
	ticker := time.NewTicker(statusTableInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := rl.Status()
			health := "-"
			if !s.LastHealthCheck.IsZero() {
				health = fmt.Sprintf("%v @ %s", s.HealthOK, s.LastHealthCheck.Format("15:04:05"))
			}
			data := pterm.TableData{
				{"Address", "Peers", "Feed", "Tunnel", "Health", "Recent error"},
				{s.Address, fmt.Sprint(s.Peers), s.Feed, s.Tunnel, health, orDash(s.RecentError)},
			}
			_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		case <-ctx.Done():
			return
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// askText prompts until a non-empty answer is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askURL prompts the user for a valid signaling URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. 192.168.1.20:8080 or https://***.tunnel.example)").
			Show()

		if _, err := signaling.NormalizeWSURL(raw, ""); err == nil {
			pterm.Println()
			return strings.TrimSpace(raw)
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
