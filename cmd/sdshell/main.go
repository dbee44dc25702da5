//go:build !rp2040 && !rp2350

// Command sdshell is an interactive shell for the cards of the simulated
// host board. It talks to them through the storage service on the bus, the
// same way any other client would.
//
//	sdshell [-card sd0] [-v]
//	sd0> init
//	sd0> write 3 "hello card"
//	sd0> dump 3
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"sdspi-go/bus"
	"sdspi-go/internal/platform"
	"sdspi-go/services/config"
	"sdspi-go/services/storage"
	"sdspi-go/x/logx"
)

func main() {
	cardName := flag.String("card", "sd0", "card to address")
	device := flag.String("device", platform.DeviceID, "embedded config to load")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logx.SetOutput(os.Stderr)
	if *verbose {
		logx.SetLevel(slog.LevelDebug)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(8)
	board := platform.DefaultBoard()
	go storage.New(b.NewConnection("storage"), board, board).Run(ctx)
	config.NewConfigService().Start(config.WithDevice(ctx, *device), b.NewConnection("config"))

	sh := newShell(b.NewConnection("shell"), *cardName, time.Second)
	if err := sh.waitReady(ctx, 2*time.Second); err != nil {
		fmt.Fprintln(os.Stderr, "sdshell:", err)
		os.Exit(1)
	}
	sh.run(ctx, os.Stdin, os.Stdout)
}

// run reads commands until EOF or quit.
func (s *shell) run(ctx context.Context, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s> ", s.card)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return
		}
		quit, err := s.execLine(ctx, sc.Text(), out)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
		}
		if quit {
			return
		}
	}
}
