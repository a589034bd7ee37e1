package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nayem2203/espcam-server/internal/client"
	"github.com/Nayem2203/espcam-server/internal/logging"
	"github.com/Nayem2203/espcam-server/internal/mock"
	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRelayURL = "http://127.0.0.1:10000"

// peerLogger builds a logger for the simulator commands from the root flags.
func peerLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = "info"
	}
	return logging.New(level, format)
}

func newDeviceCmd() *cobra.Command {
	var (
		relayURL      string
		id            string
		frameInterval time.Duration
		eventInterval time.Duration
		eventTarget   string
	)
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Simulate an ESP32 device: upload frames, push events, log commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := peerLogger(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			peer, err := client.NewPeer(relayURL, session.RoleDevice, id, log)
			if err != nil {
				return err
			}
			api := client.NewHTTPClient(relayURL)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return peer.Run(gctx, nil, func(m client.Message) {
					switch m.Type {
					case "command":
						log.Info("command received", zap.String("cmd", m.Cmd), zap.String("issuedBy", m.IssuedBy))
					default:
						log.Debug("message", zap.String("type", m.Type))
					}
				})
			})
			if frameInterval > 0 {
				g.Go(func() error { return uploadFrames(gctx, api, frameInterval, log) })
			}
			if eventInterval > 0 {
				g.Go(func() error { return pushEvents(gctx, peer, eventTarget, eventInterval, log) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&relayURL, "url", defaultRelayURL, "relay base URL")
	cmd.Flags().StringVar(&id, "id", "esp-sim", "device id (espId)")
	cmd.Flags().DurationVar(&frameInterval, "frames", time.Second, "frame upload interval; 0 disables")
	cmd.Flags().DurationVar(&eventInterval, "events", 0, "motion event interval; 0 disables")
	cmd.Flags().StringVar(&eventTarget, "target", "", "userId to address events to; empty broadcasts")
	return cmd
}

func uploadFrames(ctx context.Context, api *client.HTTPClient, every time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		data, err := mock.RenderFrame(tick)
		if err != nil {
			return errors.Wrap(err, "render frame")
		}
		if err := api.Upload(data); err != nil {
			log.Warn("frame upload failed", zap.Error(err))
		}
	}
}

func pushEvents(ctx context.Context, peer *client.Peer, target string, every time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := peer.Event("motion", target, map[string]int{"n": n}); err != nil {
			log.Debug("event not sent", zap.Error(err))
		}
	}
}

func newAppCmd() *cobra.Command {
	var (
		relayURL string
		userID   string
		espID    string
		command  string
	)
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Simulate a phone app: log alerts and frames, optionally send one command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if command != "" && espID == "" {
				return errors.New("--cmd needs --esp")
			}
			log, err := peerLogger(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			peer, err := client.NewPeer(relayURL, session.RoleApp, userID, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sent := false
			onConnect := func() {
				if command == "" || sent {
					return
				}
				// Runs before the read loop starts.
				if err := peer.Command(espID, command); err != nil {
					log.Warn("command not sent", zap.Error(err))
					return
				}
				sent = true
			}
			return peer.Run(ctx, onConnect, func(m client.Message) {
				switch m.Type {
				case "alert", "esp_event":
					log.Info(m.Type, zap.String("espId", m.EspID), zap.String("event", m.Event), zap.ByteString("data", m.Data))
				case "command_ack":
					log.Info("command acknowledged", zap.String("espId", m.EspID), zap.String("cmd", m.Cmd), zap.String("status", m.Status))
				case "frame":
					log.Debug("frame available", zap.Int("size", m.Size), zap.Uint64("seq", m.Seq))
				case "error":
					log.Warn("relay error", zap.String("error", m.Error))
				default:
					log.Debug("message", zap.String("type", m.Type))
				}
			})
		},
	}

	cmd.Flags().StringVar(&relayURL, "url", defaultRelayURL, "relay base URL")
	cmd.Flags().StringVar(&userID, "user", "app-sim", "user id")
	cmd.Flags().StringVar(&espID, "esp", "", "device to command")
	cmd.Flags().StringVar(&command, "cmd", "", "command to send once connected (e.g. unlock)")
	return cmd
}
