package sdcard

import (
	"sdspi-go/errcode"
)

// Init brings the card from an unknown state to Ready, or reports why it
// could not. Ready and Faulted are terminal for one run; calling Init again
// restarts the whole sequence from power-up clocking.
func (d *Device) Init() error {
	d.state = StateUninitialized
	d.lastErr = nil
	d.legacy = false
	d.ocr = 0

	d.powerUp()
	if err := d.stepReset(); err != nil {
		return err
	}
	if err := d.stepVoltageCheck(); err != nil {
		return err
	}
	if err := d.stepInitPoll(); err != nil {
		return err
	}
	if d.cfg.Addressing == AddrAuto {
		d.stepDetectAddressing()
	}
	return nil
}

// powerUp clocks the card with chip select high so it can enter SPI mode.
func (d *Device) powerUp() {
	d.cs.Set(true)
	for i := 0; i < d.cfg.PowerUpClocks; i++ {
		_, _ = d.bus.Transfer(filler)
	}
}

// ---- transitions ----
//
// Each step checks its precondition, issues its command(s) as one selected
// operation each, and moves the session to the next state or to Faulted.

// stepReset: Uninitialized -> Idle | Faulted(ResetFailed).
func (d *Device) stepReset() error {
	if d.state != StateUninitialized {
		return d.wrongState("reset")
	}
	r, err := d.SendCommand(cmdGoIdle)
	next, ferr := evalReset(r, err)
	if ferr != nil {
		return d.fault(ferr)
	}
	d.setState(next)
	return nil
}

// stepVoltageCheck: Idle -> Idle, recording a legacy card, or
// Faulted(VoltageCheckFailed) under StrictVoltageCheck.
func (d *Device) stepVoltageCheck() error {
	if d.state != StateIdle {
		return d.wrongState("voltage_check")
	}
	r, err := d.SendCommand(cmdIfCond)
	if verr := evalVoltageCheck(r, err, cmdIfCond.Arg); verr != nil {
		if d.cfg.StrictVoltageCheck {
			return d.fault(verr)
		}
		d.legacy = true
		d.lastErr = verr
		d.cfg.Logger.Debug("voltage check failed, continuing as legacy card", "r1", r.R1)
	}
	return nil
}

// stepInitPoll: Idle -> Ready | Faulted(InitTimeout). A CMD55 failure aborts
// the whole sequence; it is not retried.
func (d *Device) stepInitPoll() error {
	if d.state != StateIdle {
		return d.wrongState("init_poll")
	}
	for i := 0; i < d.cfg.InitTimer; i++ {
		r, err := d.SendCommand(cmdAppCmd)
		if aerr := evalAppCmd(r, err); aerr != nil {
			return d.fault(&errcode.E{C: errcode.InitTimeout, Op: "cmd55", Msg: "app command refused", Err: aerr})
		}
		r, err = d.SendCommand(cmdOpCond)
		if evalOpCond(r, err) {
			d.setState(StateReady)
			d.cfg.Logger.Debug("card ready", "attempts", i+1, "legacy", d.legacy)
			return nil
		}
	}
	return d.fault(&errcode.E{C: errcode.InitTimeout, Op: "acmd41"})
}

// stepDetectAddressing reads the OCR of a Ready card and picks byte or block
// addressing from the CCS bit. A card that refuses CMD58 (v1 cards may) is
// standard capacity and keeps byte addressing.
func (d *Device) stepDetectAddressing() {
	d.blockAddr = false
	r, err := d.SendCommand(cmdReadOC)
	if err != nil || r.Errors() != 0 {
		d.cfg.Logger.Debug("cmd58 refused, assuming byte addressing")
		return
	}
	d.ocr = r.Value()
	d.blockAddr = d.ocr&ocrCCS != 0
	d.cfg.Logger.Debug("addressing detected", "ocr", d.ocr, "block", d.blockAddr)
}

func (d *Device) wrongState(op string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "from state " + d.state.String()}
}

// ---- pure evaluators ----

// evalReset: CMD0 must come back with the idle bit set.
func evalReset(r Response, err error) (State, error) {
	if err != nil {
		return StateFaulted, &errcode.E{C: errcode.ResetFailed, Op: "cmd0", Err: err}
	}
	if r.R1 != R1Idle {
		return StateFaulted, &errcode.E{C: errcode.ResetFailed, Op: "cmd0", Msg: "not idle"}
	}
	return StateIdle, nil
}

// evalVoltageCheck: CMD8 must be accepted in idle state and echo both the
// voltage nibble and the check pattern of arg.
func evalVoltageCheck(r Response, err error, arg uint32) error {
	if err != nil {
		return &errcode.E{C: errcode.VoltageCheckFailed, Op: "cmd8", Err: err}
	}
	if r.R1 != R1Idle {
		return &errcode.E{C: errcode.VoltageCheckFailed, Op: "cmd8", Msg: "rejected"}
	}
	if r.Value()&0xFFF != arg&0xFFF {
		return &errcode.E{C: errcode.VoltageCheckFailed, Op: "cmd8", Msg: "echo mismatch"}
	}
	return nil
}

// evalAppCmd: CMD55 must be answered without error bits. The idle bit may
// be either way.
func evalAppCmd(r Response, err error) error {
	if err != nil {
		return err
	}
	if r.Errors() != 0 {
		return &errcode.E{C: errcode.Error, Msg: "r1 error bits"}
	}
	return nil
}

// evalOpCond reports whether ACMD41 says the card has left idle state.
func evalOpCond(r Response, err error) bool {
	return err == nil && r.R1 == 0
}
