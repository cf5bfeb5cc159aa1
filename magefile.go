//go:build mage
// +build mage

package main

import (
	"os"
	"os/exec"
)

var Default = Test

// run unit tests
func Test() error {
	cmd := exec.Command("go", "test", "-race", "./...")
	connectStd(cmd)
	return cmd.Run()
}

// run the loopback tests against a local WHEP server
func Integration() error {
	cmd := exec.Command("go", "test", "-race", "-tags", "integration", "-timeout", "5m", "./pkg/...")
	connectStd(cmd)
	return cmd.Run()
}

// build both commands into ./bin
func Build() error {
	for _, name := range []string{"whep-player", "whep-server"} {
		cmd := exec.Command("go", "build", "-o", "bin/"+name, "./cmd/"+name)
		connectStd(cmd)
		if err := cmd.Run(); err != nil {
			return err
		}
	}
	return nil
}

// helpers

func connectStd(cmd *exec.Cmd) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
