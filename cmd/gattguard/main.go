package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gattguard/internal/config"
	"gattguard/internal/gatt"
	"gattguard/internal/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gattguard/config.yaml)")
	writeIndex := flag.Int("write", -1, "write -data to the characteristic at this index")
	readIndex := flag.Int("read", -1, "read the characteristic at this index")
	subscribeIndex := flag.Int("subscribe", -1, "stream notifications from the characteristic at this index")
	callIndex := flag.Int("call", -1, "write -data and wait for the notified response at this index")
	data := flag.String("data", "", "hex payload for -write and -call")
	noResponse := flag.Bool("no-response", false, "use an unacknowledged write for -write")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	setLogLevel(cfg.LogLevel)
	printBanner(cfg)

	adapter, err := buildAdapter(cfg)
	if err != nil {
		log.Fatalf("adapter: %v", err)
	}

	var hub *monitor.Hub
	if cfg.MonitorAddr != "" {
		hub = monitor.NewHub()
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.Handler())
		go func() {
			log.Printf("Monitor listening on ws://%s/ws", cfg.MonitorAddr)
			if err := http.ListenAndServe(cfg.MonitorAddr, mux); err != nil {
				log.Printf("ERROR: monitor server: %v", err)
			}
		}()
	}

	statusFn := func(err error) {
		if err != nil {
			log.Printf("Connection status: %v", err)
		} else {
			log.Println("Connection ready")
		}
		if hub != nil {
			hub.Broadcast(monitor.StatusEvent(err))
		}
	}

	client := gatt.New(adapter, cfg.DeviceAddress, cfg.Params(), statusFn)
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch {
	case *writeIndex >= 0:
		payload := mustDecodeHex(*data)
		mode := gatt.WriteWithResponse
		if *noResponse {
			mode = gatt.WriteWithoutResponse
		}
		select {
		case err := <-client.WriteCharacteristic(*writeIndex, payload, mode):
			if err != nil {
				log.Fatalf("Write failed: %v", err)
			}
			log.Printf("Wrote %d bytes to characteristic %d", len(payload), *writeIndex)
		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
		}

	case *readIndex >= 0:
		select {
		case result := <-client.ReadCharacteristic(*readIndex):
			if result.Err != nil {
				log.Fatalf("Read failed: %v", result.Err)
			}
			fmt.Println(hex.EncodeToString(result.Value))
		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
		}

	case *callIndex >= 0:
		payload := mustDecodeHex(*data)
		select {
		case result := <-client.CallRemoteFunction(*callIndex, payload):
			if result.Err != nil {
				log.Fatalf("Call failed: %v", result.Err)
			}
			fmt.Println(hex.EncodeToString(result.Value))
		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
		}

	case *subscribeIndex >= 0:
		index := *subscribeIndex
		client.Subscribe(index, func(value []byte, err error) {
			if err != nil {
				log.Printf("Notification error: %v", err)
				return
			}
			log.Printf("Notification [%d]: %s", index, hex.EncodeToString(value))
			if hub != nil {
				hub.Broadcast(monitor.NotificationEvent(index, value, nil))
			}
		}, false)
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
		client.Unsubscribe(index)

	default:
		// No operation requested: stay connected and report status
		// transitions until interrupted.
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
	}
}

// buildAdapter selects the platform backend from config.
func buildAdapter(cfg *config.Config) (gatt.Adapter, error) {
	switch cfg.Adapter {
	case "bluez":
		return gatt.NewBluezAdapter(cfg.AdapterID)
	default:
		return gatt.NewTinygoAdapter(), nil
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

func mustDecodeHex(s string) []byte {
	payload, err := hex.DecodeString(s)
	if err != nil {
		log.Fatalf("-data must be hex: %v", err)
	}
	return payload
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gattguard ===")
	fmt.Printf("  Adapter:  %s\n", cfg.Adapter)
	fmt.Printf("  Device:   %s\n", cfg.DeviceAddress)
	fmt.Printf("  Service:  %s\n", cfg.ServiceUUID)
	fmt.Printf("  Chars:    %d pair(s)\n", len(cfg.Characteristics))
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
