package ui

import (
	"sync"

	"github.com/eiannone/keyboard"
)

// Singleton buffered channel plus one reader goroutine, so repeated prompts
// across Phase A don't repeatedly open/close the keyboard device.
var (
	keyCh     chan rune
	startOnce sync.Once
)

// StartKeyEvents returns a channel emitting single-key runes read without
// Enter. If the keyboard cannot be opened (no TTY, e.g. under a CI runner
// or piped stdin), an inert channel is returned and callers relying on it
// should treat a closed/never-firing channel as "no interactive input
// available".
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			return
		}
		go func() {
			defer keyboard.Close()
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					close(keyCh)
					return
				}
				if key == 0 {
					select {
					case keyCh <- char:
					default:
					}
				} else if key == keyboard.KeyEsc {
					select {
					case keyCh <- 27:
					default:
					}
				}
			}
		}()
	})
	return keyCh
}

// DrainKeys discards any keys already buffered, so a prompt doesn't react
// to stray keystrokes typed before it was shown.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
