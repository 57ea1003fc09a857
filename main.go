package main

import "github.com/sajjad-MoBe/corecache/cmd"

func main() {
	cmd.ExecuteServer()
}
