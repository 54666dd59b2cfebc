package main

import "ytdeliver/cmd"

func main() {
	cmd.Execute()
}
