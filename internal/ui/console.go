// Package ui provides the updater's interactive console surface: colored
// status lines and the single-keypress Y/N confirmation prompt that gates
// Phase A updates when the user has not passed --yes.
package ui

import "fmt"

// Debugf prints a yellow debug line when enabled is true.
func Debugf(enabled bool, format string, a ...interface{}) {
	if !enabled {
		return
	}
	fmt.Print("\033[33m")
	fmt.Printf("[DEBUG] "+format, a...)
	fmt.Print("\033[0m\n")
}

// Infof prints a plain informational line.
func Infof(format string, a ...interface{}) {
	fmt.Printf(format+"\n", a...)
}

// Greenf prints a light-green success line.
func Greenf(format string, a ...interface{}) {
	fmt.Print("\033[92m")
	fmt.Printf(format, a...)
	fmt.Print("\033[0m\n")
}

// Warningf prints a bright-yellow warning line.
func Warningf(format string, a ...interface{}) {
	fmt.Print("\033[93m")
	fmt.Printf(format, a...)
	fmt.Print("\033[0m\n")
}

// Redf prints a red error line.
func Redf(format string, a ...interface{}) {
	fmt.Print("\033[91m")
	fmt.Printf(format, a...)
	fmt.Print("\033[0m\n")
}
