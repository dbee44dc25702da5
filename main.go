package main

import (
	"time"

	"sdspi-go/drivers/sdcard"
	"sdspi-go/internal/platform"
	"sdspi-go/x/conv"
	"sdspi-go/x/logx"
)

const (
	demoBus    = "spi0"
	demoCSPin  = 17
	demoSector = 0
)

func main() {
	time.Sleep(platform.BootDelay)
	logx.SetOutput(platform.Console())
	log := logx.For(logx.ComponentMain)
	println("[main] boot")

	spi, ok := platform.DefaultSPIFactory().ByID(demoBus)
	if !ok {
		println("[main] FAIL: no bus", demoBus)
		return
	}
	cs, ok := platform.DefaultPinFactory().ByNumber(demoCSPin)
	if !ok {
		println("[main] FAIL: no chip select pin", demoCSPin)
		return
	}
	_ = cs.ConfigureOutput(true)

	card := sdcard.New(spi, cs)
	card.Configure()

	println("[main] initialising card …")
	if err := card.Init(); err != nil {
		log.Error("init failed", "err", err.Error())
		println("[main] FAIL: init:", err.Error())
		return
	}
	if card.Legacy() {
		println("[main] legacy (v1) card")
	}

	var out [sdcard.SectorSize]byte
	for i := range out {
		out[i] = byte(i % 128)
	}
	println("[main] writing sector", demoSector, "…")
	if err := card.WriteSector(demoSector, &out); err != nil {
		log.Error("write failed", "sector", demoSector, "err", err.Error())
		println("[main] FAIL: write:", err.Error())
		return
	}

	var in [sdcard.SectorSize]byte
	if err := card.ReadSector(demoSector, &in); err != nil {
		log.Error("read failed", "sector", demoSector, "err", err.Error())
		println("[main] FAIL: read:", err.Error())
		return
	}

	var line [32]byte
	println("[main] sector", demoSector, "first bytes:", string(conv.HexLine(line[:0], in[:8])))
	if in != out {
		log.Error("read back differs", "sector", demoSector)
		println("[main] FAIL: read back differs")
		return
	}
	println("[main] ok")
}
