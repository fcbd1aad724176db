// Command healthobs serves period statistics, comparisons, correlations and
// anomaly reports over personal health observations.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
