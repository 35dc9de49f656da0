// services/command/parse.go
package command

import (
	"strconv"
	"strings"

	"github.com/google/shlex"

	"chimera-node/errcode"
	"chimera-node/services/ble"
	"chimera-node/services/nfc"
	"chimera-node/services/radio"
)

// action is the decoded intent of one host command line. Exactly one
// field is set.
type action struct {
	radio *radio.Command
	ble   *ble.Command
	nfc   *nfc.Command
	input string // UI input event name
	info  bool   // GET_INFO
}

// parseLine translates one ASCII command line into an action. Lines use
// the NAME or NAME:ARG form, with any further arguments whitespace
// separated.
func parseLine(line string) (action, error) {
	tokens, err := shlex.Split(line)
	if err != nil || len(tokens) == 0 {
		return action{}, &errcode.E{C: errcode.InvalidParams, Op: "command.parse", Msg: line, Err: err}
	}

	name, arg, _ := strings.Cut(tokens[0], ":")
	if arg == "" && len(tokens) > 1 {
		arg = tokens[1]
	}

	switch strings.ToUpper(name) {
	case "SCAN_WIFI":
		return action{radio: &radio.Command{Op: "scan"}}, nil
	case "SCAN_BLE":
		ms, err := parseInt(arg, 0)
		if err != nil {
			return action{}, badArg(name, arg)
		}
		return action{ble: &ble.Command{Op: "scan", DurMS: ms}}, nil
	case "SNIFF_START":
		ch, err := parseInt(arg, 1)
		if err != nil {
			return action{}, badArg(name, arg)
		}
		return action{radio: &radio.Command{Op: "sniff_start", Channel: ch}}, nil
	case "SNIFF_STOP":
		return action{radio: &radio.Command{Op: "sniff_stop"}}, nil
	case "CMD_SPECTRUM":
		return action{radio: &radio.Command{Op: "spectrum"}}, nil
	case "CSI_START", "START_CSI":
		ch, err := parseInt(arg, 0)
		if err != nil {
			return action{}, badArg(name, arg)
		}
		return action{radio: &radio.Command{Op: "csi_start", Channel: ch}}, nil
	case "CSI_STOP", "STOP_CSI":
		return action{radio: &radio.Command{Op: "csi_stop"}}, nil
	case "RECON_START":
		return action{radio: &radio.Command{Op: "recon_start"}}, nil
	case "RECON_STOP":
		return action{radio: &radio.Command{Op: "recon_stop"}}, nil
	case "ANALYZER_START":
		return action{radio: &radio.Command{Op: "analyzer_start"}}, nil
	case "ANALYZER_STOP":
		return action{radio: &radio.Command{Op: "analyzer_stop"}}, nil
	case "SET_FREQ":
		hz, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return action{}, badArg(name, arg)
		}
		return action{radio: &radio.Command{Op: "subghz_freq", FreqHz: uint32(hz)}}, nil
	case "RX_RECORD":
		ms, err := parseInt(arg, 1000)
		if err != nil {
			return action{}, badArg(name, arg)
		}
		return action{radio: &radio.Command{Op: "subghz_record", DurMS: ms}}, nil
	case "SUBGHZ_INFO":
		return action{radio: &radio.Command{Op: "subghz_info"}}, nil
	case "NFC_SCAN":
		return action{nfc: &nfc.Command{Op: "scan"}}, nil
	case "NFC_INFO":
		return action{nfc: &nfc.Command{Op: "info"}}, nil
	case "GET_INFO":
		return action{info: true}, nil
	case "STOP", "STOP_ALL":
		return action{radio: &radio.Command{Op: "stop"}}, nil
	}

	if ev, ok := strings.CutPrefix(strings.ToUpper(name), "INPUT_"); ok && ev != "" {
		return action{input: strings.ToLower(ev)}, nil
	}
	return action{}, &errcode.E{C: errcode.UnknownCommand, Op: "command.parse", Msg: name}
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func badArg(name, arg string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "command.parse", Msg: name + ":" + arg}
}
