package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	modbus "github.com/fieldlink/modbus-rtu"
	"github.com/fieldlink/modbus-rtu/serialport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "", 0)

	var err error
	switch os.Args[1] {
	case "read":
		err = runRead(logger, os.Args[2:])
	case "write":
		err = runWrite(logger, os.Args[2:])
	case "probe":
		err = runProbe(logger, os.Args[2:])
	case "snapshot":
		err = runSnapshot(logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `modbus-cli: Modbus RTU command-line client

Usage:
  modbus-cli read     -port <dev> -baud <rate> -unit <id> -fn <code> -address <n> -quantity <n>
  modbus-cli write    -port <dev> -baud <rate> -unit <id> -fn <code> -address <n> -value <n>
  modbus-cli probe    -ports <dev[,dev...]>
  modbus-cli snapshot -port <dev> -baud <rate>`)
}

// commonFlags binds the connection configuration shared by every
// subcommand.
type commonFlags struct {
	port      string
	baud      int
	unit      int
	timeout   time.Duration
	retries   int
	lenient   bool
	logframe  bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.port, "port", "/dev/ttyUSB0", "serial device path")
	fs.IntVar(&c.baud, "baud", 9600, "baud rate")
	fs.IntVar(&c.unit, "unit", 1, "unit id")
	fs.DurationVar(&c.timeout, "timeout", time.Second, "per-attempt timeout")
	fs.IntVar(&c.retries, "retries", 2, "additional attempts after the first failure")
	fs.BoolVar(&c.lenient, "lenient-crc", false, "accept non-standard CRC variants on reads")
	fs.BoolVar(&c.logframe, "log-frames", false, "log sent/received frames at debug level")
	return c
}

func (c *commonFlags) config() modbus.Config {
	cfg := modbus.DefaultConfig(c.port, c.baud)
	cfg.UnitIDDefault = byte(c.unit)
	cfg.Timeout = c.timeout
	cfg.Retries = c.retries
	cfg.LenientCRC = c.lenient
	if c.logframe {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return cfg
}

func runRead(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	common := bindCommon(fs)
	fnCode := fs.Int("fn", 0x03, "function code: 1,2,3,4")
	address := fs.Int("address", 0, "starting address")
	quantity := fs.Int("quantity", 1, "quantity to read")
	fs.Parse(args)

	cfg := common.config()
	adapter := serialport.New(cfg.Logger)
	client, err := modbus.NewClient(adapter, cfg, nil)
	if err != nil {
		return err
	}
	if err := client.Open(); err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), attemptBudget(cfg))
	defer cancel()

	switch byte(*fnCode) {
	case modbus.FuncCodeReadCoils:
		bits, err := client.ReadCoils(ctx, byte(common.unit), uint16(*address), uint16(*quantity))
		if err != nil {
			return err
		}
		printBits(logger, bits)
	case modbus.FuncCodeReadDiscreteInputs:
		bits, err := client.ReadDiscreteInputs(ctx, byte(common.unit), uint16(*address), uint16(*quantity))
		if err != nil {
			return err
		}
		printBits(logger, bits)
	case modbus.FuncCodeReadHoldingRegisters:
		regs, err := client.ReadHoldingRegisters(ctx, byte(common.unit), uint16(*address), uint16(*quantity))
		if err != nil {
			return err
		}
		printRegisters(logger, uint16(*address), regs)
	case modbus.FuncCodeReadInputRegisters:
		regs, err := client.ReadInputRegisters(ctx, byte(common.unit), uint16(*address), uint16(*quantity))
		if err != nil {
			return err
		}
		printRegisters(logger, uint16(*address), regs)
	default:
		return fmt.Errorf("unsupported read function code 0x%02x", *fnCode)
	}
	return nil
}

func runWrite(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	common := bindCommon(fs)
	fnCode := fs.Int("fn", 0x06, "function code: 5,6")
	address := fs.Int("address", 0, "starting address")
	value := fs.Float64("value", 0, "value to write (coil: nonzero means ON)")
	fs.Parse(args)

	cfg := common.config()
	adapter := serialport.New(cfg.Logger)
	client, err := modbus.NewClient(adapter, cfg, nil)
	if err != nil {
		return err
	}
	if err := client.Open(); err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), attemptBudget(cfg))
	defer cancel()

	switch byte(*fnCode) {
	case modbus.FuncCodeWriteSingleCoil:
		return client.WriteSingleCoil(ctx, byte(common.unit), uint16(*address), *value != 0)
	case modbus.FuncCodeWriteSingleRegister:
		if *value < 0 || *value > math.MaxUint16 {
			return fmt.Errorf("value %f does not fit in a uint16 register", *value)
		}
		return client.WriteSingleRegister(ctx, byte(common.unit), uint16(*address), uint16(*value))
	default:
		return fmt.Errorf("unsupported write function code 0x%02x; only 0x05 and 0x06 are supported", *fnCode)
	}
}

func runProbe(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	ports := fs.String("ports", "", "comma-separated list of serial device paths to sweep")
	fs.Parse(args)

	if *ports == "" {
		return fmt.Errorf("-ports is required")
	}

	opts := modbus.ProbeOptions{
		Ports: strings.Split(*ports, ","),
		Dial: func(port string, baud int) (modbus.SerialAdapter, error) {
			return serialport.New(nil), nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	found, err := modbus.Probe(ctx, opts)
	if err != nil {
		return err
	}
	logger.Printf("found device: port=%s baud=%d unit=%d", found.Port, found.Baud, found.UnitID)
	return nil
}

func runSnapshot(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	common := bindCommon(fs)
	fs.Parse(args)

	cfg := common.config()
	cfg.StateTracking = true
	tracker := modbus.NewTracker()

	adapter := serialport.New(cfg.Logger)
	client, err := modbus.NewClient(adapter, cfg, tracker)
	if err != nil {
		return err
	}
	if err := client.Open(); err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), attemptBudget(cfg))
	defer cancel()

	if _, err := client.ReadHoldingRegisters(ctx, byte(common.unit), 0, 1); err != nil {
		logger.Printf("warming snapshot read failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tracker.SnapshotAll())
}

func attemptBudget(cfg modbus.Config) time.Duration {
	return time.Duration(cfg.Retries+1) * cfg.Timeout * 2
}

func printBits(logger *log.Logger, bits []bool) {
	for i, b := range bits {
		logger.Printf("%d\t%t", i, b)
	}
}

func printRegisters(logger *log.Logger, start uint16, regs []uint16) {
	for i, v := range regs {
		logger.Printf("%d\t%d\t0x%04x", int(start)+i, v, v)
	}
}
