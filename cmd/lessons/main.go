package main

import "lessons/cmd/lessons/cmd"

func main() {
	cmd.Execute()
}
