// Package tcp is a reference Driver implementation over Modbus TCP: MBAP
// framing with a 7-byte header, a per-connection transaction id counter,
// and a read loop that discards responses whose transaction id does not
// match the one awaited.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/driver/internal/mbframe"
	"github.com/moduledb/modbusdb/mlog"
)

const (
	maxFrameLength = 260
	mbapHeaderLen  = 7
)

// Driver is a Modbus TCP client driver bound to one persistent connection.
type Driver struct {
	mu     sync.Mutex
	conn   net.Conn
	logger mlog.Logger
	txnID  uint16
}

// Dial connects to addr (host:port) and returns a ready-to-use Driver.
func Dial(ctx context.Context, addr string, logger mlog.Logger) (*Driver, error) {
	if logger == nil {
		logger = mlog.Nop
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Driver{conn: conn, logger: logger}, nil
}

// Close closes the underlying TCP connection.
func (drv *Driver) Close() error {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	return drv.conn.Close()
}

var _ driver.Driver = (*Driver)(nil)

func (drv *Driver) execute(ctx context.Context, req *mbframe.PDU) (*mbframe.PDU, error) {
	drv.mu.Lock()
	defer drv.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := drv.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	drv.txnID++
	if _, err := drv.conn.Write(drv.assembleFrame(drv.txnID, req)); err != nil {
		return nil, err
	}

	return drv.readResponse(drv.txnID)
}

func (drv *Driver) readResponse(wantTxnID uint16) (*mbframe.PDU, error) {
	for {
		res, txnID, err := drv.readFrame()
		if err != nil {
			return nil, err
		}
		if txnID != wantTxnID {
			drv.logger.Warningf("tcp driver: discarding response for transaction id 0x%04x, expected 0x%04x", txnID, wantTxnID)
			continue
		}
		return res, nil
	}
}

func (drv *Driver) readFrame() (*mbframe.PDU, uint16, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(drv.conn, header); err != nil {
		return nil, 0, err
	}

	txnID := binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	unitID := header[6]

	bytesNeeded := int(binary.BigEndian.Uint16(header[4:6])) - 1
	if bytesNeeded <= 0 || bytesNeeded+mbapHeaderLen > maxFrameLength {
		return nil, 0, mbframe.ErrProtocolError
	}
	if protocolID != 0x0000 {
		return nil, 0, mbframe.ErrProtocolError
	}

	body := make([]byte, bytesNeeded)
	if _, err := io.ReadFull(drv.conn, body); err != nil {
		return nil, 0, err
	}

	return &mbframe.PDU{
		UnitID:       unitID,
		FunctionCode: body[0],
		Payload:      body[1:],
	}, txnID, nil
}

func (drv *Driver) assembleFrame(txnID uint16, p *mbframe.PDU) []byte {
	out := make([]byte, 0, mbapHeaderLen+1+len(p.Payload))
	out = append(out, mbframe.Uint16ToBytes(txnID)...)
	out = append(out, 0x00, 0x00)
	out = append(out, mbframe.Uint16ToBytes(uint16(2+len(p.Payload)))...)
	out = append(out, p.UnitID, p.FunctionCode)
	out = append(out, p.Payload...)
	return out
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

	expectedLen := 1 + (int(count)+7)/8
	if len(res.Payload) != expectedLen {
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
		return fmt.Errorf("tcp driver: WriteRegister expects 2 bytes, got %d", len(value))
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
		return fmt.Errorf("tcp driver: WriteRegisters expects an even number of bytes, got %d", len(values))
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
