package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/bus/mqttbus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/driver"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/groutine"
	"github.com/srg/btcore/internal/service"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack/simstack"
	"github.com/srg/btcore/internal/transport"
	"github.com/srg/btcore/internal/worker"
	"github.com/srg/btcore/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Bluetooth core against a simulated controller",
	Long: `Start the Bluetooth worker with a simulated vendor stack and a few
simulated peers, then read commands from stdin (type help for the list).

Notifications are printed to stdout and, with bus.backend: mqtt, published
to the broker, which can also send requests.`,
	Args: cobra.NoArgs,
	RunE: runCore,
}

var (
	runConfigPath string
	runPty        bool
	runAutoPin    string
)

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "YAML configuration file")
	runCmd.Flags().BoolVar(&runPty, "pty", false, "Open the HCI UART on a pseudo-terminal")
	runCmd.Flags().StringVar(&runAutoPin, "auto-pin", driver.DefaultPin, "Answer PIN requests with this code (empty to ask)")
}

// simulatedPeers are the devices the simulated controller can discover.
var simulatedPeers = []simstack.Peer{
	{
		Address:       device.MustParseAddress("00:1A:7D:DA:71:01"),
		Name:          "Headphones",
		ClassOfDevice: device.ClassServiceAudio | device.ClassServiceRendering | 0x000418,
		RSSI:          -52,
		NameInInquiry: true,
	},
	{
		Address:       device.MustParseAddress("00:1A:7D:DA:71:02"),
		Name:          "Car Kit",
		ClassOfDevice: device.ClassServiceTelephony | device.ClassServiceAudio | 0x000408,
		RSSI:          -67,
		Pin:           driver.DefaultPin,
	},
	{
		Address:       device.MustParseAddress("00:1A:7D:DA:71:03"),
		Name:          "Mono Headset",
		ClassOfDevice: device.ClassServiceAudio | 0x000404,
		RSSI:          -71,
	},
}

func loadConfig() (*config.Config, error) {
	if runConfigPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(runConfigPath)
}

func openSettings(cfg *config.Config) (settings.Holder, func(), error) {
	if cfg.Settings.Backend != config.SettingsSQLite {
		return settings.NewMemoryStore(), func() {}, nil
	}
	store, err := settings.OpenSQLite(cfg.Settings.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func runCore(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPty {
		cfg.Transport.Pty = true
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := openSettings(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	snap, err := service.Boot(store, logger)
	if err != nil {
		return err
	}
	name := cfg.Device.Name
	if snap.DeviceName != "" {
		name = snap.DeviceName
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sender   bus.Sender = bus.NewConsole(cmd.OutOrStdout())
		svc      *service.Service
		w        *worker.Worker
		requests = make(chan bus.Request, cfg.Worker.CommandQueueSize)
	)
	if cfg.Bus.Backend == config.BusMQTT {
		client, err := mqttbus.Connect(mqttbus.Options{
			Broker:   cfg.Bus.Broker,
			ClientID: cfg.Bus.ClientID,
			Username: cfg.Bus.Username,
			Password: cfg.Bus.Password,
			Prefix:   cfg.Bus.Prefix,
			QoS:      cfg.Bus.QoS,
			Logger:   logger,
		}, func(r bus.Request) {
			select {
			case requests <- r:
			default:
				logger.WithField("request", r.Type).Error("Request dropped, shell queue full")
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		sender = bus.Tee(sender, client)
	}
	if runAutoPin != "" {
		sender = autoPin(sender, runAutoPin, func(ev event.Event) error { return w.Post(ev) })
	}

	var uart transport.UART
	if cfg.Transport.Pty {
		pty := transport.NewPtyUART(transport.PtyOptions{
			Logger:   logger,
			ReadCap:  cfg.Transport.ReadCap,
			WriteCap: cfg.Transport.WriteCap,
		})
		uart = pty
		defer func() { logger.WithField("stats", pty.Stats()).Debug("HCI UART stats") }()
	}

	w, err = worker.New(worker.Config{
		Logger: logger,
		Stack: simstack.New(simstack.Options{
			Logger:          logger,
			Peers:           simulatedPeers,
			InquiryDuration: cfg.Device.InquiryDuration,
		}),
		Settings:         store,
		Sender:           sender,
		Transport:        uart,
		LocalName:        name,
		ClassOfDevice:    cfg.Device.ClassOfDevice,
		InquiryDuration:  cfg.Device.InquiryDuration,
		WakePeriod:       cfg.Worker.WakePeriod,
		Profiles:         cfg.Profiles.Enabled,
		CallProfile:      cfg.Profiles.Call,
		Codecs:           cfg.CodecSet(),
		MediaPeriod:      cfg.Profiles.MediaPeriod,
		MediaStorageSize: cfg.Profiles.MediaStorageSize,
		CommandQueueSize: cfg.Worker.CommandQueueSize,
		IOQueueSize:      cfg.Worker.IOQueueSize,
	})
	if err != nil {
		return err
	}
	svc = service.New(service.Options{Logger: logger, Worker: w, Settings: store, Sender: sender})
	if err := w.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "btcore %s ready, type help for commands\n", formatVersion(version))

	lines := make(chan string)
	groutine.Go(ctx, "stdin-shell", func(ctx context.Context) {
		readLines(ctx, cmd.InOrStdin(), lines)
	})

	warn := color.New(color.FgYellow)
	for {
		select {
		case <-ctx.Done():
			w.Wait()
			return nil
		case <-w.Done():
			w.Wait()
			return nil
		case r := <-requests:
			handle(svc, logger, r)
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep serving the bus until shutdown
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "help" {
				fmt.Fprintln(out, shellHelp)
				continue
			}
			r, ok, err := parseLine(line)
			if err != nil {
				warn.Fprintf(out, "%v\n", err)
				continue
			}
			if ok {
				if err := svc.Handle(r); err != nil {
					warn.Fprintf(out, "%s\n", formatUserError(err))
				}
			}
		}
	}
}

func handle(svc *service.Service, logger *logrus.Logger, r bus.Request) {
	if err := svc.Handle(r); err != nil {
		logger.WithError(err).WithField("request", r.Type).Warn("Request failed")
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// autoPin answers legacy PIN requests with pin before forwarding them.
func autoPin(next bus.Sender, pin string, post func(event.Event) error) bus.Sender {
	return bus.SenderFunc(func(n bus.Notification) error {
		err := next.Send(n)
		if req, ok := n.(bus.PasskeyRequest); ok {
			if perr := post(event.PinCode{Device: device.Device{Address: req.Address}, Pin: pin}); perr != nil {
				return perr
			}
		}
		return err
	})
}
