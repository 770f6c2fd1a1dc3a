// Package uart drives a serial link through an asynchronous, event based
// driver contract. The Bridge owns the receive and transmit engines: it keeps
// one receive buffer in flight (plus a spare the driver can switch to), hands
// line-terminated buffers to the relay consumer and funnels outbound data
// through a FIFO of pending transmit buffers.
package uart

import (
	"errors"
	"fmt"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
)

var (
	// ErrBusy is returned by Driver.Tx while a transmission is in flight.
	ErrBusy = errors.New("uart driver busy")
	// ErrNotReady is returned by Send before Init.
	ErrNotReady = errors.New("uart bridge not initialized")
	// ErrClosed is returned once the bridge or driver has been closed.
	ErrClosed = errors.New("uart closed")
)

// EventType enumerates driver notifications.
type EventType uint8

const (
	EvTxDone EventType = iota + 1
	EvTxAborted
	EvRxReady
	EvRxBufRequest
	EvRxBufReleased
	EvRxDisabled
)

func (t EventType) String() string {
	switch t {
	case EvTxDone:
		return "tx_done"
	case EvTxAborted:
		return "tx_aborted"
	case EvRxReady:
		return "rx_ready"
	case EvRxBufRequest:
		return "rx_buf_request"
	case EvRxBufReleased:
		return "rx_buf_released"
	case EvRxDisabled:
		return "rx_disabled"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is one driver notification.
//
//   - EvTxDone, EvTxAborted: Buf is the transmitted buffer, Len the number of
//     bytes of the submitted slice that went out.
//   - EvRxReady: Len new bytes were written into Buf starting at Offset.
//   - EvRxBufReleased: the driver gives Buf back.
type Event struct {
	Type   EventType
	Buf    bufpool.Handle
	Offset int
	Len    int
}

// Driver is the serial collaborator. Buffers passed in are owned by the driver
// until it reports them back through an event. Implementations must deliver
// events from their own goroutine and never from inside one of these calls.
type Driver interface {
	// Start begins event delivery to fn.
	Start(fn func(Event)) error
	// RxEnable starts reception into buf.
	RxEnable(h bufpool.Handle, buf []byte) error
	// RxBufRsp answers an EvRxBufRequest with the next receive buffer.
	RxBufRsp(h bufpool.Handle, buf []byte) error
	// RxDisable stops reception; the driver answers with EvRxBufReleased for
	// every buffer it holds followed by EvRxDisabled.
	RxDisable() error
	// Tx transmits p (a view of buffer h) or returns ErrBusy.
	Tx(h bufpool.Handle, p []byte) error
	// Close stops the driver. No events are delivered after it returns.
	Close() error
}
