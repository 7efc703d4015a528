package main

import "github.com/pastebarcode/pastebarcode/cmd/pastebarcode/commands"

func main() {
	commands.Execute()
}
