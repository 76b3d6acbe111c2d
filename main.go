// Package main is the entry point of the application
package main

import "github.com/odetolakehinde/ipguard/cmd"

// main is the entry point of the application. It calls cmd.Run to launch
func main() {
	cmd.Run()
}
