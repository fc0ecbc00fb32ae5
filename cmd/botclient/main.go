// =============================================================================
// BOT CLIENT
// =============================================================================
// Connects simulated players to a running server over the game websocket.
// Each bot mirrors the entities the server replicates to it, acknowledges
// every update packet and steers its avatar with random inputs. -drop skips
// sending a share of input packets so the server has to recover frames from
// the input history.
//
// USAGE:
//   go run ./cmd/server
//   go run ./cmd/botclient -bots 20 -drop 0.1
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"multiplayer/internal/client"
	"multiplayer/internal/game"
)

type botConfig struct {
	URL         string
	Name        string
	DropRate    float64
	ReportEvery time.Duration
	Seed        int64
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using flags only")
	}

	serverURL := flag.String("url", "ws://localhost:3000/ws", "server websocket URL")
	bots := flag.Int("bots", 5, "number of bots")
	prefix := flag.String("name", "bot", "bot name prefix")
	drop := flag.Float64("drop", 0, "fraction of input packets not sent (0-1)")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	report := flag.Duration("report", 5*time.Second, "status log interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	log.Printf("🤖 Starting %d bots against %s (drop %.0f%%)", *bots, *serverURL, *drop*100)

	var wg sync.WaitGroup
	for i := 1; i <= *bots; i++ {
		cfg := botConfig{
			URL:         *serverURL,
			Name:        fmt.Sprintf("%s-%d", *prefix, i),
			DropRate:    *drop,
			ReportEvery: *report,
			Seed:        time.Now().UnixNano() + int64(i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runBot(ctx, cfg); err != nil {
				log.Printf("⚠️ %s: %v", cfg.Name, err)
			}
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	log.Println("👋 All bots stopped")
}

// bot serializes access to the client mirror and the socket: gorilla
// connections allow one writer at a time.
type bot struct {
	cfg  botConfig
	conn *websocket.Conn
	rng  *rand.Rand

	mu      sync.Mutex
	client  *client.Client
	skipped int
	heading float64
}

func runBot(ctx context.Context, cfg botConfig) error {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("name", cfg.Name)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(cfg.Seed))
	b := &bot{cfg: cfg, conn: conn, rng: rng, client: client.New(), heading: rng.Float64() * 2 * math.Pi}

	readErr := make(chan error, 1)
	go func() { readErr <- b.readLoop() }()

	err = b.steerLoop(ctx, readErr)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return err
}

func (b *bot) readLoop() error {
	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		b.mu.Lock()
		reply, err := b.client.Handle(data)
		if err == nil && reply != nil {
			err = b.conn.WriteMessage(websocket.BinaryMessage, reply)
		}
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// steerLoop sends one input frame per server tick once welcomed.
func (b *bot) steerLoop(ctx context.Context, readErr <-chan error) error {
	interval := time.Second / 30
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	report := time.NewTicker(b.cfg.ReportEvery)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		case <-report.C:
			b.logStatus()
		case <-ticker.C:
			next, err := b.sendInput()
			if err != nil {
				return err
			}
			if next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// sendInput pushes one frame and returns the server's tick interval.
func (b *bot) sendInput() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.client.Welcomed() {
		return 0, nil
	}
	if b.rng.Float64() < 0.05 {
		b.heading += (b.rng.Float64() - 0.5) * math.Pi
	}
	in := game.MoveInput{
		MoveX: float32(math.Cos(b.heading)),
		MoveY: float32(math.Sin(b.heading)),
	}
	if b.rng.Float64() < 0.1 {
		in.Buttons |= game.ButtonBoost
	}
	pkt, err := b.client.Input(in)
	if err != nil {
		return 0, fmt.Errorf("input: %w", err)
	}
	if b.rng.Float64() < b.cfg.DropRate {
		b.skipped++
	} else if err := b.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	var interval time.Duration
	if tr := b.client.TickRate(); tr > 0 {
		interval = time.Second / time.Duration(tr)
	}
	return interval, nil
}

func (b *bot) logStatus() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.client.Stats()
	pos := "unknown"
	if m, ok := b.client.Entity(b.client.Avatar()); ok {
		pos = fmt.Sprintf("(%.0f, %.0f)", m.X, m.Y)
	}
	log.Printf("🤖 %s: conn %d at %s, %d entities, %d creates, %d updates, %d deletes, %d inputs (%d not sent)",
		b.cfg.Name, b.client.Connection(), pos, b.client.EntityCount(),
		s.Creates, s.Updates, s.Deletes, s.InputsSent, b.skipped)
}
