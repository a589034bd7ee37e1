// Package mock drives the relay with synthetic devices so the server can be
// exercised without hardware.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand"
	"time"

	"github.com/Nayem2203/espcam-server/internal/frame"
	"github.com/Nayem2203/espcam-server/internal/relay"
	"go.uber.org/zap"
)

const (
	frameWidth  = 160
	frameHeight = 120
	jpegQuality = 60

	// DefaultInterval is the tick between generated frames.
	DefaultInterval = 200 * time.Millisecond
)

type mockDevice struct {
	id      string
	pattern string
	every   int // emit every N ticks; 0 never
	target  string
	jitter  float64
	fired   int
}

func NewGenerator(frames *frame.Cache, core *relay.Core, interval time.Duration, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Generator{
		frames:   frames,
		core:     core,
		interval: interval,
		log:      log.With(zap.String("component", "mock")),
		rng:      rand.New(rand.NewSource(1)),
	}
}

type Generator struct {
	frames   *frame.Cache
	core     *relay.Core
	interval time.Duration
	log      *zap.Logger
	rng      *rand.Rand
	devices  []*mockDevice
}

// Start publishes a first frame synchronously and then keeps generating
// until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	g.devices = []*mockDevice{
		{id: "mock-cam-front", pattern: "camera"},
		{id: "mock-pir-garage", pattern: "motion", every: 25, jitter: 0.3},
		{id: "mock-bell-door", pattern: "doorbell", every: 60, target: "mock-user"},
		{id: "mock-lock-back", pattern: "battery", every: 150},
	}

	g.step(0)
	g.log.Info("mock devices started", zap.Int("devices", len(g.devices)), zap.Duration("interval", g.interval))
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			g.step(tick)
		}
	}
}

func (g *Generator) step(tick int) {
	for _, d := range g.devices {
		switch d.pattern {
		case "camera":
			g.emitFrame(d, tick)
		case "motion":
			if g.due(d, tick) && g.rng.Float64() >= d.jitter {
				g.emitEvent(d, "motion", map[string]any{"zone": 1 + g.rng.Intn(4), "confidence": 0.6 + 0.4*g.rng.Float64()})
			}
		case "doorbell":
			if g.due(d, tick) {
				g.emitEvent(d, "doorbell", map[string]any{"pressed": true})
			}
		case "battery":
			if g.due(d, tick) {
				level := math.Max(5, 100-float64(d.fired)*7)
				g.emitEvent(d, "battery", map[string]any{"level": level})
			}
		}
	}
}

func (g *Generator) due(d *mockDevice, tick int) bool {
	return d.every > 0 && tick > 0 && tick%d.every == 0
}

func (g *Generator) emitFrame(d *mockDevice, tick int) {
	data, err := RenderFrame(tick)
	if err != nil {
		g.log.Warn("render mock frame", zap.String("espId", d.id), zap.Error(err))
		return
	}
	f := g.frames.Publish(data)
	g.core.NotifyFrame(f)
}

func (g *Generator) emitEvent(d *mockDevice, kind string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	d.fired++
	rep := g.core.HandleDeviceEvent(d.id, relay.Event{
		SourceDeviceID: d.id,
		Type:           kind,
		Payload:        payload,
		TargetUserID:   d.target,
	})
	g.log.Debug("mock event", zap.String("espId", d.id), zap.String("event", kind), zap.Int("delivered", rep.Delivered))
}

// RenderFrame draws a gradient with a bar that sweeps across as tick grows.
func RenderFrame(tick int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	bar := (tick * 4) % frameWidth
	for y := 0; y < frameHeight; y++ {
		for x := 0; x < frameWidth; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / frameWidth),
				G: uint8(y * 255 / frameHeight),
				B: uint8((tick * 3) % 256),
				A: 255,
			}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
