package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xaionaro-go/avdecorate/helpers/closuresignaler"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/safequeue"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

type Mode int

const (
	// ModeBinary reads framed commands from a FIFO.
	ModeBinary = Mode(iota)

	// ModeText polls a text file and reads the lines appended to it.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeText:
		return "text"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

const (
	DefaultRetryInterval = 10 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

type Config struct {
	Path string
	Mode Mode

	// RetryInterval is waited before reopening a channel that failed.
	RetryInterval time.Duration

	// PollInterval is how often a text file is checked for changes.
	PollInterval time.Duration
}

// Channel reads commands in the background and queues them until the
// main loop drains them.
type Channel struct {
	Config Config

	queue  *safequeue.Queue[Command]
	locker xsync.Mutex
	file   *os.File
	exit   *closuresignaler.ClosureSignaler
	done   chan struct{}

	textOffset int64
	textMTime  time.Time
}

func New(cfg Config) *Channel {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Channel{
		Config: cfg,
		queue:  safequeue.New[Command](0),
		exit:   closuresignaler.New(),
		done:   make(chan struct{}),
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("control(%s:%s)", c.Config.Mode, c.Config.Path)
}

func (c *Channel) Start(ctx context.Context) {
	logger.Debugf(ctx, "%s: Start", c)
	ctx = logger.WithField(ctx, "control_channel", c.Config.Path)
	observability.Go(ctx, func(ctx context.Context) {
		defer close(c.done)
		switch c.Config.Mode {
		case ModeText:
			c.pollText(ctx)
		default:
			c.readFIFO(ctx)
		}
	})
}

// Close stops the reader and waits for it to exit.
func (c *Channel) Close(ctx context.Context) error {
	logger.Debugf(ctx, "%s: Close", c)
	defer logger.Debugf(ctx, "%s: /Close", c)
	c.exit.Close(ctx)
	c.locker.Do(ctx, func() {
		if c.file != nil {
			_ = c.file.Close()
		}
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain returns every command received since the previous call, in
// arrival order, without blocking.
func (c *Channel) Drain() []Command {
	var cmds []Command
	for {
		cmd, ok := c.queue.TryPop()
		if !ok {
			return cmds
		}
		cmds = append(cmds, cmd)
	}
}

func (c *Channel) push(ctx context.Context, cmd Command) {
	logger.Debugf(ctx, "%s: received %s", c, cmd)
	metrics.CommandsTotal.WithLabelValues(cmd.Op.String(), "received").Inc()
	_ = c.queue.Push(cmd)
}

func (c *Channel) reject(ctx context.Context, err error) {
	logger.Errorf(ctx, "%s: skipping a command: %v", c, err)
	metrics.CommandsTotal.WithLabelValues("unknown", "malformed").Inc()
}

func (c *Channel) setFile(f *os.File) bool {
	return xsync.DoR1(xsync.WithNoLogging(context.Background(), true), &c.locker, func() bool {
		if c.exit.IsClosed() {
			return false
		}
		c.file = f
		return true
	})
}

func (c *Channel) readFIFO(ctx context.Context) {
	for !c.exit.IsClosed() {
		// read-write keeps the FIFO from reporting EOF while no writer is connected
		f, err := os.OpenFile(c.Config.Path, os.O_RDWR, 0)
		if err != nil {
			logger.Errorf(ctx, "%s: unable to open: %v; retrying in %v", c, err, c.Config.RetryInterval)
			c.exit.Sleep(ctx, c.Config.RetryInterval)
			continue
		}
		if !c.setFile(f) {
			_ = f.Close()
			return
		}
		err = c.decodeAll(ctx, f)
		c.setFile(nil)
		_ = f.Close()
		if c.exit.IsClosed() {
			return
		}
		logger.Errorf(ctx, "%s: %v; reopening in %v", c, err, c.Config.RetryInterval)
		c.exit.Sleep(ctx, c.Config.RetryInterval)
	}
}

func (c *Channel) decodeAll(ctx context.Context, r io.Reader) error {
	dec := NewDecoder(r)
	for {
		cmd, err := dec.Decode()
		switch {
		case err == nil:
			c.push(ctx, cmd)
		case errors.Is(err, ErrMalformed):
			c.reject(ctx, err)
		default:
			return fmt.Errorf("unable to read a command: %w", err)
		}
	}
}

func (c *Channel) pollText(ctx context.Context) {
	for {
		if err := c.readText(ctx); err != nil {
			logger.Errorf(ctx, "%s: %v; retrying in %v", c, err, c.Config.RetryInterval)
			if !c.exit.Sleep(ctx, c.Config.RetryInterval) {
				return
			}
			continue
		}
		if !c.exit.Sleep(ctx, c.Config.PollInterval) {
			return
		}
	}
}

// readText emits the complete lines appended since the previous read; a
// file that shrank is read again from the start.
func (c *Channel) readText(ctx context.Context) error {
	st, err := os.Stat(c.Config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to stat: %w", err)
	}
	if st.ModTime().Equal(c.textMTime) && st.Size() == c.textOffset {
		return nil
	}
	c.textMTime = st.ModTime()
	if st.Size() < c.textOffset {
		logger.Debugf(ctx, "%s: the file was truncated, reading from the start", c)
		c.textOffset = 0
	}

	f, err := os.Open(c.Config.Path)
	if err != nil {
		return fmt.Errorf("unable to open: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(c.textOffset, io.SeekStart); err != nil {
		return fmt.Errorf("unable to seek to %d: %w", c.textOffset, err)
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if !strings.HasSuffix(line, "\n") {
			// incomplete line, read it once it is terminated
			break
		}
		c.textOffset += int64(len(line))
		cmd, parseErr := ParseLine(line)
		switch {
		case parseErr != nil:
			c.reject(ctx, parseErr)
		case cmd != nil:
			c.push(ctx, *cmd)
		}
		if err != nil {
			break
		}
	}
	return nil
}
