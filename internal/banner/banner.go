// Package banner prints dialogcore's startup banner, following the
// signaling service's own banner package.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
     _ _       _
  __| (_) __ _| | ___   __ _  ___ ___  _ __ ___
 / _` + "`" + ` | |/ _` + "`" + ` | |/ _ \ / _` + "`" + ` |/ __/ _ \| '__/ _ \
| (_| | | (_| | | (_) | (_| | (_| (_) | | |  __/
 \__,_|_|\__,_|_|\___/ \__, |\___\___/|_|  \___|
                       |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one label/value row printed under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and its resolved
// configuration, padding each label to the longest one given so the values
// line up.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
