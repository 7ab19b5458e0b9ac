package main

import "github.com/m-lab/mping/cmd"

func main() {
	cmd.Execute()
}
