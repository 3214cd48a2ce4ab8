package main

import "github.com/example/mealsched/cmd"

func main() {
	cmd.Execute()
}
