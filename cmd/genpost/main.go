package main

import "genpost/cmd/handlers"

func main() {
	handlers.Execute()
}
