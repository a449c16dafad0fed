// growatt-probe is an ad-hoc register reader for a running broker. Point
// it at the secondary TCP endpoint to peek at the inverter without
// disturbing the home-automation controller on the primary one.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/goburrow/modbus"
)

func usage() {
	fmt.Println("Usage:")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:5021", "broker Modbus-TCP endpoint")
	unit := flag.Int("unit", 1, "unit (station) id")
	fc := flag.Int("fc", 3, "function code: 3=holding, 4=input, 6=write single")
	start := flag.Int("start", 0, "first register address")
	count := flag.Int("count", 1, "number of registers to read")
	value := flag.Int("value", 0, "value for -fc 6")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	if *unit < 0 || *unit > 255 || *start < 0 || *start > 0xFFFF || *count < 1 || *count > 125 {
		usage()
	}

	handler := modbus.NewTCPClientHandler(*addr)
	handler.Timeout = *timeout
	handler.SlaveId = byte(*unit)
	if err := handler.Connect(); err != nil {
		log.Fatalf("connect %s: %v", *addr, err)
	}
	defer handler.Close()
	client := modbus.NewClient(handler)

	switch *fc {
	case 3, 4:
		read := client.ReadHoldingRegisters
		if *fc == 4 {
			read = client.ReadInputRegisters
		}
		data, err := read(uint16(*start), uint16(*count))
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		for i := 0; i+1 < len(data); i += 2 {
			v := uint16(data[i])<<8 | uint16(data[i+1])
			fmt.Printf("%5d: %5d  0x%04X\n", *start+i/2, v, v)
		}
	case 6:
		if *value < 0 || *value > 0xFFFF {
			usage()
		}
		result, err := client.WriteSingleRegister(uint16(*start), uint16(*value))
		if err != nil {
			log.Fatalf("write: %v", err)
		}
		fmt.Printf("wrote %d to %d: %X\n", *value, *start, result)
	default:
		usage()
	}
}
