package uart

import (
	"sync"
	"time"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
)

type txCall struct {
	h bufpool.Handle
	p []byte
}

// fakeDriver records calls. Tests inject events straight into the bridge.
type fakeDriver struct {
	mu        sync.Mutex
	rxEnables []bufpool.Handle
	rxRsps    []bufpool.Handle
	disables  int
	tx        []txCall
	txErr     error
	rxErr     error
	closed    bool
}

func (f *fakeDriver) Start(func(Event)) error { return nil }

func (f *fakeDriver) RxEnable(h bufpool.Handle, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rxErr != nil {
		return f.rxErr
	}
	f.rxEnables = append(f.rxEnables, h)
	return nil
}

func (f *fakeDriver) RxBufRsp(h bufpool.Handle, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxRsps = append(f.rxRsps, h)
	return nil
}

func (f *fakeDriver) RxDisable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
	return nil
}

func (f *fakeDriver) Tx(h bufpool.Handle, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return f.txErr
	}
	f.tx = append(f.tx, txCall{h: h, p: append([]byte(nil), p...)})
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) setTxErr(err error) {
	f.mu.Lock()
	f.txErr = err
	f.mu.Unlock()
}

func (f *fakeDriver) txCalls() []txCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]txCall(nil), f.tx...)
}

func (f *fakeDriver) lastTx() txCall {
	c := f.txCalls()
	return c[len(c)-1]
}

func (f *fakeDriver) lastRxEnable() bufpool.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxEnables[len(f.rxEnables)-1]
}

func (f *fakeDriver) rxEnableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rxEnables)
}

// fakePort feeds queued reads and captures writes.
type fakePort struct {
	mu      sync.Mutex
	reads   chan []byte
	written []byte
	short   int           // next Write returns only this many bytes with an error
	gate    chan struct{} // when set, Write waits for it to close
	block   bool          // Read waits for data instead of timing out
	closed  chan struct{}
	once    sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

// Read times out after a few milliseconds with no data, like a port opened
// with a read timeout, unless block is set.
func (p *fakePort) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if !p.block {
		timeout = time.After(5 * time.Millisecond)
	}
	select {
	case data := <-p.reads:
		return copy(b, data), nil
	case <-p.closed:
		return 0, errPortClosed
	case <-timeout:
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.short > 0 {
		n := p.short
		p.short = 0
		p.written = append(p.written, b[:n]...)
		return n, errShortWrite
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}
