// The main package for the mdwn executable.
package main

import (
	"github.com/skolhustick/mdwnio/cmd"
)

func main() {
	cmd.Execute()
}
