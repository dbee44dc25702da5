// Command storage-main runs the storage service on the bus and exercises it
// the way a client would: init a card, write a sector, read it back.
package main

import (
	"context"
	"runtime"
	"time"

	"sdspi-go/bus"
	"sdspi-go/internal/platform"
	"sdspi-go/services/config"
	"sdspi-go/services/heartbeat"
	"sdspi-go/services/storage"
	"sdspi-go/types"
	"sdspi-go/x/conv"
	"sdspi-go/x/logx"
)

const card = "sd0"

func printTopicWith(prefix string, t bus.Topic) {
	print(prefix)
	print(" ")
	for i := 0; i < t.Len(); i++ {
		if i > 0 {
			print("/")
		}
		switch v := t.At(i).(type) {
		case string:
			print(v)
		case int:
			print(v)
		default:
			print("?")
		}
	}
	println()
}

func request(ctx context.Context, c *bus.Connection, verb string, payload any) (any, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := c.RequestWait(ctx, c.NewMessage(storage.CardControlTopic(card, verb), payload, false))
	if err != nil {
		println("[main]", verb, "error:", err.Error())
		return nil, false
	}
	if er, ok := reply.Payload.(types.ErrorReply); ok {
		println("[main]", verb, "failed:", er.Error)
		return nil, false
	}
	return reply.Payload, true
}

func main() {
	time.Sleep(platform.BootDelay)
	logx.SetOutput(platform.Console())
	ctx := context.Background()

	println("[main] bootstrapping bus …")
	b := bus.NewBus(8)
	storageConn := b.NewConnection("storage")
	cfgConn := b.NewConnection("config")
	hbConn := b.NewConnection("heartbeat")
	uiConn := b.NewConnection("ui")

	println("[main] subscribing to storage/# for diagnostics …")
	mon := uiConn.Subscribe(bus.T("storage", "#"))
	go func() {
		for m := range mon.Channel() {
			printTopicWith("[monitor] <-", m.Topic)
		}
	}()

	println("[main] starting storage service …")
	svc := storage.New(storageConn, platform.DefaultSPIFactory(), platform.DefaultPinFactory())
	go svc.Run(ctx)
	_ = (&heartbeat.Service{}).Start(ctx, hbConn)

	println("[main] publishing embedded config for", platform.DeviceID, "…")
	config.NewConfigService().Start(config.WithDevice(ctx, platform.DeviceID), cfgConn)

	time.Sleep(250 * time.Millisecond)

	if _, ok := request(ctx, uiConn, storage.VerbInit, nil); !ok {
		return
	}
	var pattern [32]byte
	for i := range pattern {
		pattern[i] = byte(i)
	}
	if _, ok := request(ctx, uiConn, storage.VerbWrite, types.SectorWrite{Sector: 0, Data: pattern[:]}); !ok {
		return
	}
	if p, ok := request(ctx, uiConn, storage.VerbRead, types.SectorRead{Sector: 0}); ok {
		if d, ok := p.(types.SectorData); ok {
			var line [32]byte
			println("[main] sector 0:", string(conv.HexLine(line[:0], d.Data[:8])))
		}
	}

	for i := 0; i < 3; i++ {
		if p, ok := request(ctx, uiConn, storage.VerbStatus, nil); ok {
			if st, ok := p.(types.CardStatus); ok {
				println("[main] status link:", string(st.Link), "reads:", st.Reads, "writes:", st.Writes)
			}
		}
		printMem()
		time.Sleep(500 * time.Millisecond)
	}
}

// printMem prints a compact snapshot of runtime memory stats.
// Uses builtin println to avoid fmt overhead/allocations.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	println(
		"[mem]",
		"alloc:", uint32(ms.Alloc),
		"heapInuse:", uint32(ms.HeapInuse),
		"heapSys:", uint32(ms.HeapSys),
		"mallocs:", uint32(ms.Mallocs),
		"frees:", uint32(ms.Frees),
	)
}
