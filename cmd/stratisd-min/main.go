package main

import "github.com/stratis-storage/stratisd-sub004/cmd/stratisd-min/app"

func main() {
	app.Execute()
}
