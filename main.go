package main

import "github.com/MPronti/John-Robot/cmd"

func main() {
	cmd.Execute()
}
