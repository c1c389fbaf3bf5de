// Command replay_stream stands in for the streaming child process by replaying recorded ticks.
// It takes the same positional arguments the bridge passes to the real worker, preceded by
// the CSV file:
//
//	replay_stream [-speed 10] [-heartbeat 5s] ticks.csv <cst> <xst> <accountId> <epic> <endpoint>
//
// Only rows for <epic> are replayed. After the last row it keeps sending heartbeats until stopped.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketOpenBot/internal/bridge"
	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/utils"
)

func main() {
	speed := flag.Float64("speed", 1, "replay speed multiplier (0 sends ticks without delay)")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "heartbeat interval")
	flag.Parse()

	args := flag.Args()
	if len(args) != 6 {
		log.Fatalf("usage: replay_stream [flags] ticks.csv <cst> <xst> <accountId> <epic> <endpoint>")
	}
	path, epic := args[0], args[4]

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	ticks, err := utils.ReadTicksCSV(f)
	f.Close()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	fmt.Fprintf(os.Stderr, "[NODE_STREAM_INFO] [LS Status]: CONNECTED:REPLAY %s (%d ticks)\n", epic, len(ticks))
	if err := replay(ctx, out, filterEpic(ticks, epic), *speed, *heartbeat); err != nil {
		fmt.Fprintf(os.Stderr, "[NODE_STREAM_ERROR] %v\n", err)
		os.Exit(1)
	}
}

func filterEpic(ticks []domain.PriceTick, epic string) []domain.PriceTick {
	out := ticks[:0]
	for _, t := range ticks {
		if t.Epic == epic {
			out = append(out, t)
		}
	}
	return out
}

// replay writes each tick after the recorded gap divided by speed, then heartbeats until ctx ends.
// Timestamps are rewritten to the send time so downstream staleness checks see live data.
func replay(ctx context.Context, w *bufio.Writer, ticks []domain.PriceTick, speed float64, heartbeat time.Duration) error {
	beat := time.NewTicker(heartbeat)
	defer beat.Stop()

	emit := func(line []byte) error {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		return w.Flush()
	}

	for i, t := range ticks {
		if i > 0 && speed > 0 {
			gap := time.Duration(float64(t.Timestamp.Sub(ticks[i-1].Timestamp)) / speed)
			if err := wait(ctx, gap, beat.C, emit); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		t.Timestamp = time.Now()
		line, err := bridge.EncodePrice(t)
		if err != nil {
			return err
		}
		if err := emit(line); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "[NODE_STREAM_INFO] replay finished")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			if err := emit(bridge.EncodeHeartbeat()); err != nil {
				return err
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration, beat <-chan time.Time, emit func([]byte) error) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-beat:
			if err := emit(bridge.EncodeHeartbeat()); err != nil {
				return err
			}
		}
	}
}
