package main

import "github.com/Paintersrp/kernelsup/internal/signalkernel"

func main() {
	signalkernel.Exit()
}
