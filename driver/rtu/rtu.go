// Package rtu is a reference Driver implementation over Modbus RTU (serial
// line): t3.5 inter-frame and t1 character timing around each request, a
// 3-byte header read followed by the length-dependent remainder, and a
// CRC16/Modbus trailer check, over a go.bug.st/serial port.
package rtu

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/driver/internal/mbframe"
	"github.com/moduledb/modbusdb/mlog"
)

const maxFrameLength = 256

// Config configures the serial port a Driver opens.
type Config struct {
	Device   string
	Speed    uint
	DataBits uint
	Parity   serial.Parity
	StopBits serial.StopBits
}

// Driver is a Modbus RTU client driver bound to one serial port.
type Driver struct {
	mu           sync.Mutex
	port         serial.Port
	logger       mlog.Logger
	t35          time.Duration
	t1           time.Duration
	lastActivity time.Time
}

// Open opens the serial port described by conf and returns a ready-to-use Driver.
func Open(conf Config, logger mlog.Logger) (*Driver, error) {
	if logger == nil {
		logger = mlog.Nop
	}

	speed := conf.Speed
	if speed == 0 {
		speed = 19200
	}
	dataBits := conf.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	parity := conf.Parity
	stopBits := conf.StopBits
	if stopBits == 0 {
		if parity == serial.NoParity {
			stopBits = serial.TwoStopBits
		} else {
			stopBits = serial.OneStopBit
		}
	}

	port, err := serial.Open(conf.Device, &serial.Mode{
		BaudRate: int(speed),
		DataBits: int(dataBits),
		Parity:   parity,
		StopBits: stopBits,
	})
	if err != nil {
		return nil, err
	}

	t1 := charTime(speed)
	t35 := (t1 * 35) / 10
	if speed >= 19200 {
		t35 = 1750 * time.Microsecond
	}

	return &Driver{port: port, logger: logger, t1: t1, t35: t35}, nil
}

// charTime estimates the transmission time of one serial character
// (1 start + 8 data + 1 parity/stop + 1 stop, i.e. 11 bits) at speed bps.
func charTime(speed uint) time.Duration {
	return time.Duration(11*1e9/int64(speed)) * time.Nanosecond
}

// Close closes the underlying serial port.
func (drv *Driver) Close() error {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	return drv.port.Close()
}

var _ driver.Driver = (*Driver)(nil)

func (drv *Driver) execute(ctx context.Context, req *mbframe.PDU) (*mbframe.PDU, error) {
	drv.mu.Lock()
	defer drv.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := drv.port.SetReadTimeout(time.Until(deadline)); err != nil {
			return nil, err
		}
	}

	if wait := drv.lastActivity.Add(drv.t35).Sub(time.Now()); wait > 0 {
		time.Sleep(wait)
	}

	start := time.Now()
	frame := assembleFrame(req)
	n, err := drv.port.Write(frame)
	if err != nil {
		return nil, err
	}
	drv.lastActivity = start.Add(time.Duration(n) * drv.t1)

	if wait := drv.lastActivity.Add(drv.t35).Sub(time.Now()); wait > 0 {
		time.Sleep(wait)
	}

	res, err := drv.readFrame()
	if err != nil {
		return nil, err
	}
	drv.lastActivity = time.Now()

	return res, nil
}

func (drv *Driver) readFrame() (*mbframe.PDU, error) {
	rxbuf := make([]byte, maxFrameLength)

	if _, err := io.ReadFull(drv.port, rxbuf[0:3]); err != nil {
		return nil, err
	}

	bytesNeeded, err := expectedResponseLength(rxbuf[1], rxbuf[2])
	if err != nil {
		return nil, err
	}
	bytesNeeded += 2 // trailing CRC

	if 3+bytesNeeded > maxFrameLength {
		return nil, mbframe.ErrProtocolError
	}

	if _, err := io.ReadFull(drv.port, rxbuf[3:3+bytesNeeded]); err != nil {
		return nil, err
	}

	frame := rxbuf[0 : 3+bytesNeeded]
	payload := frame[:len(frame)-2]
	wantCRC := frame[len(frame)-2:]
	if !crc16Equal(payload, wantCRC) {
		return nil, fmt.Errorf("rtu driver: bad crc")
	}

	return &mbframe.PDU{
		UnitID:       frame[0],
		FunctionCode: frame[1],
		Payload:      frame[2 : len(frame)-2],
	}, nil
}

func assembleFrame(p *mbframe.PDU) []byte {
	adu := make([]byte, 0, 2+len(p.Payload)+2)
	adu = append(adu, p.UnitID, p.FunctionCode)
	adu = append(adu, p.Payload...)
	return append(adu, crc16(adu)...)
}

// expectedResponseLength returns how many bytes follow the 3-byte header
// (unit id, function code, length/exception byte), excluding the CRC.
func expectedResponseLength(functionCode, lengthOrException uint8) (int, error) {
	switch functionCode {
	case mbframe.FCReadCoils, mbframe.FCReadDiscreteInputs,
		mbframe.FCReadHoldingRegisters, mbframe.FCReadInputRegisters:
		return int(lengthOrException), nil
	case mbframe.FCWriteSingleCoil, mbframe.FCWriteSingleRegister,
		mbframe.FCWriteMultipleCoils, mbframe.FCWriteMultipleRegisters:
		return 3, nil
	default:
		if functionCode&0x80 != 0 {
			return 0, nil
		}
		return 0, mbframe.ErrProtocolError
	}
}

// crc16 computes the CRC16/Modbus checksum of data, low byte first.
func crc16(data []byte) []byte {
	var crc uint16 = 0xffff
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, crc)
	return out
}

func crc16Equal(data []byte, want []byte) bool {
	got := crc16(data)
	return got[0] == want[0] && got[1] == want[1]
}

func (drv *Driver) readBools(ctx context.Context, fc uint8, unit, address, count uint) (driver.ReadResult, error) {
	req := mbframe.ReadRequest(uint8(unit), fc, uint16(address), uint16(count))
	res, err := drv.execute(ctx, req)
	if err != nil {
		return driver.ReadResult{}, err
	}
	if err := mbframe.CheckResponse(req, res); err != nil {
		return driver.ReadResult{}, err
	}
	if len(res.Payload) < 1 {
		return driver.ReadResult{}, mbframe.ErrProtocolError
	}

	bits := mbframe.DecodeBools(uint16(count), res.Payload[1:])
	data := make([]uint16, count)
	for i, b := range bits {
		if b {
			data[i] = 1
		}
	}
	return driver.ReadResult{Buffer: res.Payload[1:], Data: data}, nil
}

func (drv *Driver) readRegisters(ctx context.Context, fc uint8, unit, address, count uint) (driver.ReadResult, error) {
	req := mbframe.ReadRequest(uint8(unit), fc, uint16(address), uint16(count))
	res, err := drv.execute(ctx, req)
	if err != nil {
		return driver.ReadResult{}, err
	}
	if err := mbframe.CheckResponse(req, res); err != nil {
		return driver.ReadResult{}, err
	}
	if len(res.Payload) != 1+2*int(count) {
		return driver.ReadResult{}, mbframe.ErrProtocolError
	}
	buf := res.Payload[1:]

	data := make([]uint16, count)
	for i := range data {
		data[i] = binary.BigEndian.Uint16(buf[i*2 : i*2+2])
	}
	return driver.ReadResult{Buffer: buf, Data: data}, nil
}

// ReadOutputStates reads fc 1 (coils).
func (drv *Driver) ReadOutputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return drv.readBools(ctx, mbframe.FCReadCoils, unit, address, count)
}

// ReadInputStates reads fc 2 (discrete inputs).
func (drv *Driver) ReadInputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return drv.readBools(ctx, mbframe.FCReadDiscreteInputs, unit, address, count)
}

// ReadOutputRegisters reads fc 3 (holding registers).
func (drv *Driver) ReadOutputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return drv.readRegisters(ctx, mbframe.FCReadHoldingRegisters, unit, address, count)
}

// ReadInputRegisters reads fc 4 (input registers).
func (drv *Driver) ReadInputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return drv.readRegisters(ctx, mbframe.FCReadInputRegisters, unit, address, count)
}

// WriteState writes fc 5 (single coil).
func (drv *Driver) WriteState(ctx context.Context, unit, address uint, value bool) error {
	coilValue := uint16(0x0000)
	if value {
		coilValue = 0xff00
	}
	req := &mbframe.PDU{
		UnitID:       uint8(unit),
		FunctionCode: mbframe.FCWriteSingleCoil,
		Payload:      append(mbframe.Uint16ToBytes(uint16(address)), mbframe.Uint16ToBytes(coilValue)...),
	}
	res, err := drv.execute(ctx, req)
	if err != nil {
		return err
	}
	return mbframe.CheckResponse(req, res)
}

// WriteRegister writes fc 6 (single holding register).
func (drv *Driver) WriteRegister(ctx context.Context, unit, address uint, value []byte) error {
	if len(value) != 2 {
		return fmt.Errorf("rtu driver: WriteRegister expects 2 bytes, got %d", len(value))
	}
	req := &mbframe.PDU{
		UnitID:       uint8(unit),
		FunctionCode: mbframe.FCWriteSingleRegister,
		Payload:      append(mbframe.Uint16ToBytes(uint16(address)), value...),
	}
	res, err := drv.execute(ctx, req)
	if err != nil {
		return err
	}
	return mbframe.CheckResponse(req, res)
}

// WriteStates writes fc 15 (multiple coils).
func (drv *Driver) WriteStates(ctx context.Context, unit, address uint, values []bool) error {
	payload := mbframe.Uint16ToBytes(uint16(address))
	payload = append(payload, mbframe.Uint16ToBytes(uint16(len(values)))...)
	encoded := mbframe.EncodeBools(values)
	payload = append(payload, byte(len(encoded)))
	payload = append(payload, encoded...)

	req := &mbframe.PDU{UnitID: uint8(unit), FunctionCode: mbframe.FCWriteMultipleCoils, Payload: payload}
	res, err := drv.execute(ctx, req)
	if err != nil {
		return err
	}
	return mbframe.CheckResponse(req, res)
}

// WriteRegisters writes fc 16 (multiple holding registers).
func (drv *Driver) WriteRegisters(ctx context.Context, unit, address uint, values []byte) error {
	if len(values)%2 != 0 {
		return fmt.Errorf("rtu driver: WriteRegisters expects an even number of bytes, got %d", len(values))
	}
	quantity := uint16(len(values) / 2)

	payload := mbframe.Uint16ToBytes(uint16(address))
	payload = append(payload, mbframe.Uint16ToBytes(quantity)...)
	payload = append(payload, byte(len(values)))
	payload = append(payload, values...)

	req := &mbframe.PDU{UnitID: uint8(unit), FunctionCode: mbframe.FCWriteMultipleRegisters, Payload: payload}
	res, err := drv.execute(ctx, req)
	if err != nil {
		return err
	}
	return mbframe.CheckResponse(req, res)
}
