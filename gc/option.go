package gc

import "github.com/coredb/pagestore/page"

// Option configures a Collector.
type Option func(*config)

type config struct {
	livenessThreshold float64
	onRewriteStart     func(page.FileID)
	onRewriteDone      func(page.FileID)
}

func defaultConfig() config {
	return config{livenessThreshold: 0.5}
}

// WithRewriteHooks installs callbacks invoked immediately before and
// after a sparse file's live entries are rewritten, letting a caller
// (e.g. the facade's checkpoint compact_getter) know which local blob
// files are transiently mid-rewrite.
func WithRewriteHooks(onStart, onDone func(page.FileID)) Option {
	return func(c *config) {
		c.onRewriteStart = onStart
		c.onRewriteDone = onDone
	}
}

// WithLivenessThreshold sets the fraction of a blob file's bytes that
// must still be live for the file to be left alone; files below it are
// rewrite candidates. 0.5 is this package's chosen default, matching
// the point at which a file holds more dead weight than live data.
func WithLivenessThreshold(ratio float64) Option {
	return func(c *config) {
		if ratio > 0 && ratio <= 1 {
			c.livenessThreshold = ratio
		}
	}
}
