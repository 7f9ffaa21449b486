package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/btcore/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultPtyBufferSize = 4096
	DefaultPollTimeoutMs = 50
)

// PtyOptions configures a PtyUART. Zero values select the defaults.
type PtyOptions struct {
	ReadCap       int
	WriteCap      int
	Logger        *logrus.Logger
	PollTimeoutMs int
}

// PtyStats are runtime counters of a PtyUART.
type PtyStats struct {
	ReadQueueLen    int
	WriteQueueLen   int
	DroppedRead     uint64
	ReadBytesTotal  uint64
	WriteBytesTotal uint64
	BlocksSent      uint64
	BlocksReceived  uint64
}

// PtyUART is a UART backed by a pseudo-terminal. The HCI controller (or a
// controller emulator) attaches to the slave side named by TTYName.
type PtyUART struct {
	logger        *logrus.Logger
	readCap       int
	writeCap      int
	pollTimeoutMs int

	master   *os.File
	masterFd int32
	slave    *os.File
	ttyName  string

	readBuf  *ringbuffer.RingBuffer
	writeBuf *ringbuffer.RingBuffer

	notify      Notifier
	writeNotify chan struct{}
	errOnce     sync.Once

	mu          sync.Mutex
	sendPending int
	recvWant    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	open   atomic.Bool

	droppedRead    uint64
	readBytes      uint64
	writeBytes     uint64
	blocksSent     uint64
	blocksReceived uint64
}

var _ UART = (*PtyUART)(nil)

func NewPtyUART(opts PtyOptions) *PtyUART {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultPtyBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultPtyBufferSize
	}
	if opts.PollTimeoutMs <= 0 {
		opts.PollTimeoutMs = DefaultPollTimeoutMs
	}
	return &PtyUART{
		logger:        opts.Logger,
		readCap:       opts.ReadCap,
		writeCap:      opts.WriteCap,
		pollTimeoutMs: opts.PollTimeoutMs,
	}
}

// Open creates the pty pair and starts the I/O loops.
func (u *PtyUART) Open(notify Notifier) error {
	if u.open.Load() {
		return ErrAlreadyOpen
	}
	master, slave, fd, err := createPTY()
	if err != nil {
		return err
	}

	u.master = master
	u.masterFd = fd
	u.slave = slave
	u.ttyName = slave.Name()
	u.readBuf = ringbuffer.New(u.readCap)
	u.writeBuf = ringbuffer.New(u.writeCap)
	u.writeNotify = make(chan struct{}, 1)
	u.notify = notify
	if u.notify == nil {
		u.notify = func(IOEvent) {}
	}
	u.errOnce = sync.Once{}
	u.sendPending, u.recvWant = 0, 0
	u.ctx, u.cancel = context.WithCancel(context.Background())
	u.open.Store(true)

	groutine.GoTracked(u.ctx, &u.wg, "hci-uart-read", func(ctx context.Context) { u.readLoop(ctx) })
	groutine.GoTracked(u.ctx, &u.wg, "hci-uart-write", func(ctx context.Context) { u.writeLoop(ctx) })

	u.logger.WithField("tty", u.ttyName).Info("HCI UART opened")
	return nil
}

// TTYName returns the slave device path, e.g. "/dev/pts/5".
func (u *PtyUART) TTYName() string { return u.ttyName }

func (u *PtyUART) SendBlock(p []byte) error {
	if !u.open.Load() {
		return ErrNotOpen
	}
	if len(p) > u.writeCap {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooSmall, len(p), u.writeCap)
	}

	u.mu.Lock()
	if u.sendPending > 0 {
		u.mu.Unlock()
		return ErrBlockPending
	}
	n, err := u.writeBuf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		u.mu.Unlock()
		return fmt.Errorf("queue block: %w", err)
	}
	if n < len(p) {
		u.mu.Unlock()
		return fmt.Errorf("%w: queued %d of %d bytes", ErrBufferTooSmall, n, len(p))
	}
	u.sendPending = n
	u.mu.Unlock()

	select {
	case u.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

func (u *PtyUART) ReceiveBlock(n int) error {
	if !u.open.Load() {
		return ErrNotOpen
	}
	if n <= 0 {
		return fmt.Errorf("invalid block size %d", n)
	}
	if n > u.readCap {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooSmall, n, u.readCap)
	}

	u.mu.Lock()
	if u.recvWant > 0 {
		u.mu.Unlock()
		return ErrBlockPending
	}
	u.recvWant = n
	u.mu.Unlock()

	u.deliver()
	return nil
}

// deliver completes the pending receive once enough bytes are buffered.
func (u *PtyUART) deliver() {
	u.mu.Lock()
	if u.recvWant == 0 || u.readBuf.Length() < u.recvWant {
		u.mu.Unlock()
		return
	}
	block := make([]byte, u.recvWant)
	n, err := u.readBuf.TryRead(block)
	u.recvWant = 0
	u.mu.Unlock()

	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		u.fail(fmt.Errorf("read block: %w", err))
		return
	}
	atomic.AddUint64(&u.blocksReceived, 1)
	u.notify(IOEvent{Kind: PacketReceived, Data: block[:n]})
}

func (u *PtyUART) fail(err error) {
	u.errOnce.Do(func() {
		u.logger.WithError(err).Warn("HCI UART failed")
		u.notify(IOEvent{Kind: TransportError, Err: err})
	})
}

func (u *PtyUART) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Errorf("HCI UART read loop panicked (recovered): %v", r)
		}
	}()

	master := u.master
	pollFd := []unix.PollFd{{Fd: u.masterFd, Events: unix.POLLIN}}
	buf := make([]byte, u.readCap)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready, err := unix.Poll(pollFd, u.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			u.logger.Warnf("HCI UART poll error: %v", err)
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := u.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				u.logger.Warnf("HCI UART buffer error: %v", werr)
			}
			if written < n {
				atomic.AddUint64(&u.droppedRead, uint64(n-written))
				u.logger.Warnf("HCI UART overflow: dropped %d bytes", n-written)
			}
			atomic.AddUint64(&u.readBytes, uint64(written))
			u.deliver()
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			case errors.Is(err, io.EOF):
				u.logger.Debug("HCI UART read loop exiting: EOF")
				return
			default:
				u.fail(fmt.Errorf("read: %w", err))
				return
			}
		}
	}
}

func (u *PtyUART) writeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Errorf("HCI UART write loop panicked (recovered): %v", r)
		}
	}()

	master := u.master
	pollFd := []unix.PollFd{{Fd: u.masterFd, Events: unix.POLLOUT}}
	buf := make([]byte, u.writeCap)
	idle := time.Duration(u.pollTimeoutMs) * time.Millisecond

	for {
		if u.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-u.writeNotify:
			case <-time.After(idle):
			}
			continue
		}

		n, err := u.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			u.logger.Warnf("HCI UART dequeue error: %v", err)
			continue
		}

		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				atomic.AddUint64(&u.writeBytes, uint64(written))
				u.sent(written)
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, u.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					u.logger.Warnf("HCI UART poll error: %v", perr)
				}
				if ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				u.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// sent accounts n transmitted bytes against the pending block.
func (u *PtyUART) sent(n int) {
	u.mu.Lock()
	if u.sendPending == 0 {
		u.mu.Unlock()
		return
	}
	u.sendPending -= n
	done := u.sendPending <= 0
	if done {
		u.sendPending = 0
	}
	u.mu.Unlock()

	if done {
		atomic.AddUint64(&u.blocksSent, 1)
		u.notify(IOEvent{Kind: PacketSent})
	}
}

// Close stops the loops and closes both sides of the pty.
func (u *PtyUART) Close() error {
	if !u.open.CompareAndSwap(true, false) {
		return nil
	}
	u.cancel()

	var errs []error
	if err := u.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := u.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "hci-uart-close", func(context.Context) {
		u.wg.Wait()
		close(done)
	})

	timeout := time.Duration(u.pollTimeoutMs)*time.Millisecond*2 + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		u.logger.WithField("tty", u.ttyName).Errorf("HCI UART loops did not exit within %v", timeout)
	}

	u.logger.WithField("tty", u.ttyName).Info("HCI UART closed")
	return errors.Join(errs...)
}

func (u *PtyUART) Stats() PtyStats {
	s := PtyStats{
		DroppedRead:     atomic.LoadUint64(&u.droppedRead),
		ReadBytesTotal:  atomic.LoadUint64(&u.readBytes),
		WriteBytesTotal: atomic.LoadUint64(&u.writeBytes),
		BlocksSent:      atomic.LoadUint64(&u.blocksSent),
		BlocksReceived:  atomic.LoadUint64(&u.blocksReceived),
	}
	if u.readBuf != nil {
		s.ReadQueueLen = u.readBuf.Length()
		s.WriteQueueLen = u.writeBuf.Length()
	}
	return s
}

// createPTY opens a pty pair with the slave in raw mode and the master
// non-blocking. The master descriptor is returned separately: calling Fd
// again would switch it back to blocking mode.
func createPTY() (master, slave *os.File, masterFd int32, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		var errs []error
		if cerr := master.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close master: %w", cerr))
		}
		if cerr := slave.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close slave: %w", cerr))
		}
		if len(errs) > 0 {
			return fmt.Errorf("%w (cleanup errors: %v)", cause, errs)
		}
		return cause
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, -1, cleanup(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err))
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, nil, -1, cleanup(fmt.Errorf("failed to set PTY %s non-blocking: %w", slave.Name(), err))
	}
	return master, slave, int32(fd), nil
}
