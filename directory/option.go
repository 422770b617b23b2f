package directory

// Option configures a Directory.
type Option func(*config)

type config struct {
	maxLogBytesBeforeImage int64
	fsyncEveryApply        bool
	singleWriterLock       bool
}

func defaultConfig() config {
	return config{
		maxLogBytesBeforeImage: 64 << 20, // 64 MiB
		fsyncEveryApply:        true,
		singleWriterLock:       true,
	}
}

// WithMaxLogBytesBeforeImage sets how large the manifest log may grow
// before apply triggers an image compaction.
func WithMaxLogBytesBeforeImage(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxLogBytesBeforeImage = n
		}
	}
}

// WithFsyncEveryApply controls whether every apply fsyncs the manifest
// log before returning. Disabling it trades durability for throughput.
func WithFsyncEveryApply(enabled bool) Option {
	return func(c *config) { c.fsyncEveryApply = enabled }
}

// WithSingleWriterLock controls whether Open acquires an exclusive
// advisory lock on the manifest directory, guarding against two
// processes opening the same directory as a writer.
func WithSingleWriterLock(enabled bool) Option {
	return func(c *config) { c.singleWriterLock = enabled }
}
