package main

import "github.com/7byte/fatiguemonitor/cmd"

func main() {
	cmd.Execute()
}
