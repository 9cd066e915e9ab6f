package main

import "github.com/example/libcal-scheduler/cmd"

func main() {
	cmd.Execute()
}
