package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/fleetview/cmd/fleetview-watch/app"
)

func main() {
	app.NewApp().Run()
}
