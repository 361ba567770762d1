package main

import (
	"os"

	"github.com/nuetzliches/relayq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
