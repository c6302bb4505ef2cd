package udp

import "time"

// Config holds the socket tuning knobs.
type Config struct {
	// MaxMessageLength is the maximum frame payload size in bytes.
	MaxMessageLength int

	// IOWorkers is the number of goroutines reading from the socket.
	IOWorkers int

	// HandlerWorkers is the number of goroutines invoking the Handler.
	HandlerWorkers int

	// HandlerQueueSize bounds decoded datagrams waiting for a handler.
	// Datagrams arriving while the queue is full are dropped.
	HandlerQueueSize int

	// SendQueueSize bounds frames waiting to be written.
	SendQueueSize int

	// ReadBatchSize is the number of datagrams read per system call.
	ReadBatchSize int

	// ReadBuffer sets SO_RCVBUF when positive.
	ReadBuffer int

	// ReuseAddr sets SO_REUSEADDR before binding. Ignored on non-unix
	// platforms.
	ReuseAddr bool

	// QuietPeriod is how long the send queue must stay idle before Close
	// tears the socket down.
	QuietPeriod time.Duration

	// ShutdownTimeout bounds the whole graceful phase of Close.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageLength: 1400,
		IOWorkers:        2,
		HandlerWorkers:   4,
		HandlerQueueSize: 1024,
		SendQueueSize:    4096,
		ReadBatchSize:    32,
		QuietPeriod:      250 * time.Millisecond,
		ShutdownTimeout:  5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = d.MaxMessageLength
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = d.IOWorkers
	}
	if c.HandlerWorkers <= 0 {
		c.HandlerWorkers = d.HandlerWorkers
	}
	if c.HandlerQueueSize <= 0 {
		c.HandlerQueueSize = d.HandlerQueueSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.ReadBatchSize <= 0 {
		c.ReadBatchSize = d.ReadBatchSize
	}
	if c.QuietPeriod < 0 {
		c.QuietPeriod = 0
	}
	if c.ShutdownTimeout < c.QuietPeriod {
		c.ShutdownTimeout = c.QuietPeriod
	}
	return c
}
