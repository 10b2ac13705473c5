//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

const (
	BINARY_NAME = "../bin/chatcli"
	MAIN_PATH   = "../cmd/chatcli/main.go"
)

func Build() error {
	fmt.Println("🔨 Building chat client binary...")
	return runCmd("go", "build", "-o", BINARY_NAME, MAIN_PATH)
}

func Vet() error {
	fmt.Println("🔍 Running go vet...")
	return runCmd("go", "vet", "../...")
}

func Test() error {
	mg.Deps(Vet)
	fmt.Println("🧪 Running tests...")
	return runCmd("go", "test", "-race", "../...")
}

func Clean() {
	fmt.Println("🧹 Cleaning up...")
	os.Remove(BINARY_NAME)
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
