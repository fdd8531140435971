//go:build !mips && !mipsle

// USB transport for the HSM, bypassing any kernel driver with direct
// bulk transfers via google/gousb. Excluded on mips/mipsle, where
// gousb's cgo-backed libusb binding is unavailable.

package transport

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// Vendor and product IDs, bulk endpoint addresses.
const (
	usbVendorID  = 0x1050
	usbProductID = 0x0030
	usbEndpointOut = 0x01
	usbEndpointIn  = 0x81
)

// USB talks to the device over a bulk interrupt pipe.
type USB struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	iface  *gousb.Interface
	ifaceDone func()
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
}

// OpenUSB enumerates and claims the first matching HSM device.
func OpenUSB() (*USB, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(usbVendorID), gousb.ID(usbProductID))
	if err != nil {
		ctx.Close()
		return nil, &Error{Op: "open usb device", Err: err}
	}
	if dev == nil {
		ctx.Close()
		return nil, &Error{Op: "open usb device", Err: fmt.Errorf("no device matching vid=0x%04x pid=0x%04x", usbVendorID, usbProductID)}
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, &Error{Op: "set auto detach", Err: err}
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, &Error{Op: "select config", Err: err}
	}

	iface, done, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &Error{Op: "claim interface", Err: err}
	}

	out, err := iface.OutEndpoint(usbEndpointOut)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &Error{Op: "open out endpoint", Err: err}
	}

	in, err := iface.InEndpoint(usbEndpointIn)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &Error{Op: "open in endpoint", Err: err}
	}

	return &USB{ctx: ctx, dev: dev, iface: iface, ifaceDone: done, out: out, in: in}, nil
}

// Send writes frame as a single bulk transfer and reads the response as
// one or more bulk transfers, stopping at a short packet.
func (u *USB) Send(ctx context.Context, frame []byte) ([]byte, error) {
	if _, err := u.out.WriteContext(ctx, frame); err != nil {
		return nil, &Error{Op: "bulk write", Err: err}
	}

	var resp []byte
	chunk := make([]byte, u.in.Desc.MaxPacketSize)
	for {
		n, err := u.in.ReadContext(ctx, chunk)
		if err != nil {
			return nil, &Error{Op: "bulk read", Err: err}
		}
		resp = append(resp, chunk[:n]...)
		if n < len(chunk) {
			break
		}
	}
	return resp, nil
}

// Status reports the device's vendor/product IDs. Serial number and
// firmware version are not queried and are left empty.
func (u *USB) Status(ctx context.Context) (Status, error) {
	return Status{
		Connected: true,
		VendorID:  usbVendorID,
		ProductID: usbProductID,
	}, nil
}

// Close releases the USB interface, device handle and context.
func (u *USB) Close() error {
	u.ifaceDone()
	err := u.dev.Close()
	u.ctx.Close()
	return err
}
