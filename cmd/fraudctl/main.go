// Command fraudctl drives the request governor from the shell: it scores a
// transaction, reads model stats or lists history against SCORING_API_URL
// and prints JSON. Spacing, retry and fallback behave exactly as they do in
// the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
