package ui

import "fmt"

// ConfirmUpdate asks the operator whether to proceed updating n cubes, via a
// single Y/N keypress. It returns true immediately without prompting when
// autoYes is set.
func ConfirmUpdate(n int, autoYes bool) bool {
	if autoYes {
		Greenf("Auto-proceeding with updates (-y flag)")
		return true
	}

	fmt.Printf("\033[32mUpdate %d Cube(s)? (y/N): \033[0m", n)
	DrainKeys()
	keys := StartKeyEvents()
	for k := range keys {
		switch k {
		case 'y', 'Y':
			fmt.Println("y")
			return true
		case 'n', 'N', 27:
			fmt.Println("n")
			return false
		}
	}
	return false
}
