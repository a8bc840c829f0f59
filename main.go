package main

import "story-vault/cmd"

func main() {
	cmd.Execute()
}
