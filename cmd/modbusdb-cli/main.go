// Command modbusdb-cli connects to a Modbus device over TCP or RTU and
// reads one holding register through a Modbusdb instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/moduledb/modbusdb"
	"github.com/moduledb/modbusdb/datamap"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/driver/rtu"
	"github.com/moduledb/modbusdb/driver/tcp"
	"github.com/moduledb/modbusdb/mlog"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
)

func main() {
	var target string
	var speed int
	var dataBits int
	var parity string
	var stopBits string
	var timeout string
	var interval int
	var roundSize int
	var unitID uint
	var getSpec string
	var help bool

	flag.StringVar(&target, "target", "", "target device to connect to (e.g. tcp://somehost:502 or rtu:///dev/ttyUSB0) [required]")
	flag.IntVar(&speed, "speed", 19200, "serial bus speed in bps (rtu)")
	flag.IntVar(&dataBits, "data-bits", 8, "number of bits per character on the serial bus (rtu)")
	flag.StringVar(&parity, "parity", "none", "parity bit <none|even|odd> on the serial bus (rtu)")
	flag.StringVar(&stopBits, "stop-bits", "2", "number of stop bits <1|1.5|2> on the serial bus (rtu)")
	flag.StringVar(&timeout, "timeout", "3s", "per-transaction timeout")
	flag.IntVar(&interval, "interval", 60, "polling round length in seconds")
	flag.IntVar(&roundSize, "round-size", 12, "number of ticks per round")
	flag.UintVar(&unitID, "unit-id", 1, "unit id to use")
	flag.StringVar(&getSpec, "get", "", "read one holding register, format <address>:<type> e.g. 10:uint16")
	flag.BoolVar(&help, "help", false, "show a wall-of-text help message")
	flag.Parse()

	if help {
		displayHelp()
		os.Exit(0)
	}

	if target == "" {
		fmt.Print("no target specified, please use --target\n")
		os.Exit(1)
	}

	logger := mlog.New("modbusdb-cli", os.Stderr)

	timeoutDur, err := time.ParseDuration(timeout)
	if err != nil {
		fmt.Printf("failed to parse timeout setting '%s': %v\n", timeout, err)
		os.Exit(1)
	}

	drv, err := openDriver(target, speed, dataBits, parity, stopBits, timeoutDur, logger)
	if err != nil {
		fmt.Printf("failed to open driver for target '%s': %v\n", target, err)
		os.Exit(1)
	}

	if getSpec == "" {
		fmt.Print("nothing to do, please use --get\n")
		os.Exit(0)
	}

	addr, typ, err := parseGetSpec(getSpec)
	if err != nil {
		fmt.Printf("failed to parse --get value '%s': %v\n", getSpec, err)
		os.Exit(1)
	}

	key, err := regkey.Pack(unitID, regkey.InternalRegister, addr, 0)
	if err != nil {
		fmt.Printf("failed to build register key: %v\n", err)
		os.Exit(1)
	}

	mdb, err := modbusdb.New(modbusdb.Config{
		Driver:    drv,
		Entries:   []datamap.EntrySpec{{Unit: unitID, Scope: regkey.InternalRegister, Address: addr, Type: typ}},
		Timeout:   timeoutDur,
		Interval:  time.Duration(interval) * time.Second,
		RoundSize: uint(roundSize),
		Logger:    logger,
	})
	if err != nil {
		fmt.Printf("failed to create modbusdb instance: %v\n", err)
		os.Exit(1)
	}
	defer mdb.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutDur)
	defer cancel()

	value, err := mdb.Get(ctx, key)
	if err != nil {
		fmt.Printf("read failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s = %v\n", getSpec, value)
}

func openDriver(target string, speed, dataBits int, parity, stopBits string, timeout time.Duration, logger mlog.Logger) (driver.Driver, error) {
	splitURL := strings.SplitN(target, "://", 2)
	if len(splitURL) != 2 {
		return nil, fmt.Errorf("missing scheme in target '%s'", target)
	}
	scheme, addr := splitURL[0], splitURL[1]

	switch scheme {
	case "tcp":
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return tcp.Dial(ctx, addr, logger)

	case "rtu":
		var parityVal serial.Parity
		switch parity {
		case "none":
			parityVal = serial.NoParity
		case "odd":
			parityVal = serial.OddParity
		case "even":
			parityVal = serial.EvenParity
		default:
			return nil, fmt.Errorf("unknown parity setting '%s' (should be one of none, odd, even)", parity)
		}

		var stopBitsVal serial.StopBits
		switch stopBits {
		case "1":
			stopBitsVal = serial.OneStopBit
		case "1.5":
			stopBitsVal = serial.OnePointFiveStopBits
		case "2":
			stopBitsVal = serial.TwoStopBits
		default:
			return nil, fmt.Errorf("unknown stop-bits setting '%s' (should be one of 1, 1.5, 2)", stopBits)
		}

		return rtu.Open(rtu.Config{
			Device:   addr,
			Speed:    uint(speed),
			DataBits: uint(dataBits),
			Parity:   parityVal,
			StopBits: stopBitsVal,
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported target scheme '%s' (should be tcp or rtu)", scheme)
	}
}

// parseGetSpec parses "<address>:<type>" into an address and a regcodec.Type.
func parseGetSpec(spec string) (uint, regcodec.Type, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected <address>:<type>, got '%s'", spec)
	}

	addr, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad address '%s': %w", parts[0], err)
	}

	var typ regcodec.Type
	switch strings.ToLower(parts[1]) {
	case "int16":
		typ = regcodec.Int16
	case "uint16":
		typ = regcodec.UInt16
	case "int32":
		typ = regcodec.Int32
	case "uint32":
		typ = regcodec.UInt32
	case "float":
		typ = regcodec.Float
	default:
		return 0, 0, fmt.Errorf("unknown type '%s' (should be one of int16, uint16, int32, uint32, float)", parts[1])
	}

	return uint(addr), typ, nil
}

func displayHelp() {
	fmt.Print(
		"modbusdb-cli: connect to a Modbus device and read one holding register.\n\n" +
			"Usage: modbusdb-cli --target <tcp://host:port|rtu:///dev/ttyUSB0> --get <address>:<type>\n\n" +
			"Flags:\n")
	flag.PrintDefaults()
}
